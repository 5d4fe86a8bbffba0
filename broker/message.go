package broker

import "github.com/duskmq/mq/internal/packets"

// message is the broker's internal representation of a PUBLISH, decoupled
// from the wire packet so it can be fanned out to subscribers at a
// different QoS and packet identifier than it arrived with.
type message struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retain     bool
	Properties *packets.Properties
}

func messageFromPublish(p *packets.PublishPacket) *message {
	return &message{
		Topic:      p.Topic,
		Payload:    append([]byte(nil), p.Payload...),
		QoS:        p.QoS,
		Retain:     p.Retain,
		Properties: p.Properties,
	}
}
