package broker

import (
	"sync"

	"github.com/duskmq/mq/internal/topicmatch"
)

// subscriber is one entry in the subscription index: a client identifier
// subscribed to a filter at a granted QoS.
type subscriber struct {
	clientID string
	qos      uint8
}

// subscriptionIndex is the global topic-filter -> subscriber-set mapping of
// spec §3/§4.4. It is redundant with each session's own subs map; the two
// are kept in agreement by add/remove always touching both (see
// conn.handleSubscribe / handleUnsubscribe).
type subscriptionIndex struct {
	mu      sync.RWMutex
	filters map[string]map[string]uint8 // filter -> clientID -> granted QoS
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{filters: make(map[string]map[string]uint8)}
}

// add is idempotent per (clientID, filter); last write wins on QoS.
func (idx *subscriptionIndex) add(clientID, filter string, qos uint8) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subs, ok := idx.filters[filter]
	if !ok {
		subs = make(map[string]uint8)
		idx.filters[filter] = subs
	}
	subs[clientID] = qos
}

func (idx *subscriptionIndex) remove(clientID, filter string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subs, ok := idx.filters[filter]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(idx.filters, filter)
	}
}

// removeAll drops every subscription owned by clientID, used on session
// destruction (clean disconnect or clean-session take-over).
func (idx *subscriptionIndex) removeAll(clientID string, filters map[string]uint8) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for filter := range filters {
		subs, ok := idx.filters[filter]
		if !ok {
			continue
		}
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(idx.filters, filter)
		}
	}
}

// lookup scans the index calling the matcher, per spec §4.4: O(F) where F
// is the number of distinct filters. The contract is the resulting set, not
// the algorithm; a production broker could substitute a trie here.
func (idx *subscriptionIndex) lookup(topic string) []subscriber {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []subscriber
	for filter, subs := range idx.filters {
		if !topicmatch.Matches(filter, topic) {
			continue
		}
		for clientID, qos := range subs {
			out = append(out, subscriber{clientID: clientID, qos: qos})
		}
	}
	return out
}
