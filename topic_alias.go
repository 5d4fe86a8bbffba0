package mq

import "github.com/duskmq/mq/internal/packets"

// applyTopicAlias applies topic alias optimization to a publish packet.
// This is called automatically when WithAlias() is used.
//
// On first publish to a topic:
//   - Assigns a new alias ID
//   - Sends both topic and alias
//
// On subsequent publishes:
//   - Uses existing alias
//   - Sends empty topic (bandwidth savings)
//
// If alias limit is reached, gracefully falls back to sending full topic.
func (c *Client) applyTopicAlias(pkt *packets.PublishPacket) {
	c.topicAliasesLock.Lock()
	defer c.topicAliasesLock.Unlock()

	// Check if aliases are disabled
	if c.maxAliases == 0 {
		return
	}

	// Check if we already have an alias for this topic
	if aliasID, exists := c.topicAliases[pkt.Topic]; exists {
		// Use existing alias - send empty topic
		if pkt.Properties == nil {
			pkt.Properties = &packets.Properties{}
		}
		pkt.Properties.TopicAlias = aliasID
		pkt.Properties.Presence |= packets.PresTopicAlias
		pkt.Topic = "" // Empty topic when using alias
		c.opts.Logger.Debug("using topic alias", "alias_id", aliasID)
		return
	}

	// Check if we can allocate a new alias
	if c.nextAliasID > c.maxAliases {
		// At limit - just send full topic (graceful degradation)
		c.opts.Logger.Debug("topic alias limit reached, sending full topic",
			"limit", c.maxAliases)
		return
	}

	// Allocate new alias
	aliasID := c.nextAliasID
	c.nextAliasID++
	c.topicAliases[pkt.Topic] = aliasID

	// Send both topic and alias on first use
	if pkt.Properties == nil {
		pkt.Properties = &packets.Properties{}
	}
	pkt.Properties.TopicAlias = aliasID
	pkt.Properties.Presence |= packets.PresTopicAlias
	// Keep pkt.Topic as-is for first message
	c.opts.Logger.Debug("assigned new topic alias",
		"topic", pkt.Topic,
		"alias_id", aliasID,
		"total_aliases", len(c.topicAliases))
}

// resetAllTopicAliases discards the client's topic alias table and repairs
// any PublishPacket already prepared against it, restoring the real topic
// name and stripping the alias property. Topic aliases are scoped to a
// single connection; a packet relying on an alias assigned by the previous
// connection would otherwise be sent with an empty, meaningless topic name
// once the connection is re-established.
func (c *Client) resetAllTopicAliases() {
	c.topicAliasesLock.Lock()
	aliasToTopic := make(map[uint16]string, len(c.topicAliases))
	for topic, aliasID := range c.topicAliases {
		aliasToTopic[aliasID] = topic
	}
	c.topicAliases = make(map[string]uint16)
	c.nextAliasID = 1
	c.topicAliasesLock.Unlock()

	fixPublish := func(pkt *packets.PublishPacket) {
		if pkt == nil || pkt.Properties == nil {
			return
		}
		if pkt.Properties.Presence&packets.PresTopicAlias == 0 {
			return
		}
		if topic, ok := aliasToTopic[pkt.Properties.TopicAlias]; ok && pkt.Topic == "" {
			pkt.Topic = topic
		}
		pkt.Properties.TopicAlias = 0
		pkt.Properties.Presence &^= packets.PresTopicAlias
	}

	if c.pending != nil {
		c.sessionLock.Lock()
		for _, op := range c.pending {
			if pub, ok := op.packet.(*packets.PublishPacket); ok {
				fixPublish(pub)
			}
		}
		c.sessionLock.Unlock()
	}

	if c.outgoing == nil {
		return
	}
	for n := len(c.outgoing); n > 0; n-- {
		select {
		case pkt := <-c.outgoing:
			if pub, ok := pkt.(*packets.PublishPacket); ok {
				fixPublish(pub)
			}
			c.outgoing <- pkt
		default:
			return
		}
	}
}
