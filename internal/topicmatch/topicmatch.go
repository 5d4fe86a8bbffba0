// Package topicmatch implements MQTT topic filter matching, shared by the
// client's local subscription dispatch and the broker's fan-out.
package topicmatch

import "strings"

// Matches reports whether topic matches filter, honoring the MQTT wildcard
// characters '+' (single level) and '#' (multiple levels, only valid as the
// last character of filter).
func Matches(filter, topic string) bool {
	// MQTT-4.7.2-1: a Topic Filter starting with a wildcard character must
	// never match a Topic Name beginning with '$'.
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx := 0
	tIdx := 0
	fLen := len(filter)
	tLen := len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int

		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int

		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel == "+" {
			// Single-level wildcard matches this level, including empty.
		} else if fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}

		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

// ValidFilter reports whether filter follows MQTT subscription wildcard
// rules: '+' must occupy an entire level, and '#' must occupy an entire
// level and be the last level.
func ValidFilter(filter string) bool {
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "+") && part != "+" {
			return false
		}
		if strings.Contains(part, "#") {
			if part != "#" {
				return false
			}
			if i != len(parts)-1 {
				return false
			}
		}
	}
	return true
}
