package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duskmq/mq/internal/packets"
	"github.com/duskmq/mq/internal/topicmatch"
)

// Connection states, per spec §4.6.
const (
	stateAwaitingConnect int32 = iota
	stateActive
	stateClosing
)

// v5 CONNACK reason codes used on admission rejection. Values match the
// MQTT v5.0 spec (and happen to equal mq.ReasonCode's equivalents, kept
// local here so broker has no dependency on the client package).
const (
	reasonUnsupportedProtocolVersion uint8 = 0x84
	reasonClientIdentifierNotValid   uint8 = 0x85
	reasonBadUsernameOrPassword      uint8 = 0x86
	reasonNotAuthorized              uint8 = 0x87
)

// Outbound QoS-flow states for messages the broker fans out to this
// connection as a subscriber (mirrors the client's own pending-op table,
// but one-directional and without a caller-facing token since there is no
// application caller on the broker side).
const (
	outAwaitingAck1    uint8 = iota + 1 // QoS1 awaiting PUBACK, or QoS2 awaiting PUBREC
	outAwaitingPubcomp                  // QoS2 awaiting PUBCOMP after PUBREL was sent
)

// conn is the per-accepted-connection handler: one goroutine owns the
// socket, the read buffer, and the QoS-flow tables (spec §3 "Connection").
type conn struct {
	b      *Broker
	nc     net.Conn
	logger *slog.Logger

	state   int32 // atomic, one of state*
	version uint8 // negotiated protocol level, valid once Active

	writeMu sync.Mutex

	clientID string
	sess     *session

	keepAlive time.Duration

	// mu guards the fields below, touched both by this connection's own
	// goroutine and by a superseding connection's take-over.
	mu         sync.Mutex
	superseded bool
	graceful   bool

	// qos2In tracks inbound QoS-2 PUBLISH packet identifiers awaiting
	// PUBREL from the publisher (spec §4.6's AwaitingPubRel table).
	qos2In map[uint16]struct{}

	// outMu guards outbound packet-identifier allocation and the
	// corresponding QoS-flow table for messages fanned out to this
	// connection as a subscriber.
	outMu      sync.Mutex
	outNextID  uint16
	outPending map[uint16]uint8

	closeOnce sync.Once
}

func newConn(b *Broker, nc net.Conn) *conn {
	return &conn{
		b:          b,
		nc:         nc,
		logger:     b.logger,
		state:      stateAwaitingConnect,
		qos2In:     make(map[uint16]struct{}),
		outPending: make(map[uint16]uint8),
	}
}

// serve runs the connection's read loop until it errors or is closed. It
// never returns an error; fatal conditions close the connection directly,
// matching spec §7's "broker closes the TCP connection on any
// non-acknowledgeable error".
func (c *conn) serve() {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 4096)

	for {
		if atomic.LoadInt32(&c.state) == stateClosing {
			return
		}

		pkt, n, err := packets.DecodeStream(buf, c.version, c.b.cfg.MaxPacketSize)
		if err == nil {
			buf = buf[n:]
			if !c.handlePacket(pkt) {
				return
			}
			continue
		}
		if !errors.Is(err, packets.ErrNeedMore) {
			c.closeWithError(fmt.Errorf("%w: %v", ErrMalformedPacket, err))
			return
		}

		c.applyReadDeadline()
		nRead, rerr := c.nc.Read(chunk)
		if nRead > 0 {
			buf = append(buf, chunk[:nRead]...)
		}
		if rerr != nil {
			var ne net.Error
			if errors.As(rerr, &ne) && ne.Timeout() {
				c.closeWithError(ErrKeepAliveTimeout)
			} else {
				c.closeWithError(rerr)
			}
			return
		}
	}
}

// applyReadDeadline enforces spec §4.6/§5's keep-alive and connect
// timeouts: 1.5x the negotiated keep-alive once Active, the broker's
// ConnectTimeout while AwaitingConnect, the broker's ReadTimeout when
// keep-alive is 0 (disabled), and no deadline when none of these applies.
func (c *conn) applyReadDeadline() {
	if atomic.LoadInt32(&c.state) == stateAwaitingConnect {
		if c.b.cfg.ConnectTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.b.cfg.ConnectTimeout))
		}
		return
	}
	if c.keepAlive > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2))
		return
	}
	if c.b.cfg.ReadTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.b.cfg.ReadTimeout))
		return
	}
	c.nc.SetReadDeadline(time.Time{})
}

// handlePacket dispatches one decoded packet per the current connection
// state and reports whether the read loop should continue.
func (c *conn) handlePacket(pkt packets.Packet) bool {
	switch atomic.LoadInt32(&c.state) {
	case stateAwaitingConnect:
		cp, ok := pkt.(*packets.ConnectPacket)
		if !ok {
			// Any packet other than CONNECT here is a protocol violation:
			// close without a response (spec §4.6).
			c.closeWithError(ErrProtocolViolation)
			return false
		}
		return c.handleConnect(cp)

	case stateActive:
		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			c.closeWithError(ErrProtocolViolation)
			return false
		case *packets.PublishPacket:
			return c.handlePublish(p)
		case *packets.PubackPacket:
			c.handlePuback(p)
			return true
		case *packets.PubrecPacket:
			c.handlePubrec(p)
			return true
		case *packets.PubrelPacket:
			c.handlePubrel(p)
			return true
		case *packets.PubcompPacket:
			c.handlePubcomp(p)
			return true
		case *packets.SubscribePacket:
			return c.handleSubscribe(p)
		case *packets.UnsubscribePacket:
			return c.handleUnsubscribe(p)
		case *packets.PingreqPacket:
			c.send(&packets.PingrespPacket{})
			return true
		case *packets.DisconnectPacket:
			c.handleDisconnect(p)
			return false
		default:
			c.closeWithError(ErrProtocolViolation)
			return false
		}

	default:
		return false
	}
}

// send serializes one packet write; the per-connection write path is
// always single-threaded through writeMu so that packets toward one peer
// preserve the order of the operations that produced them (spec §5).
func (c *conn) send(pkt packets.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.b.cfg.WriteTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.b.cfg.WriteTimeout))
	}
	_, err := pkt.WriteTo(c.nc)
	return err
}

// handleConnect runs admission (spec §Admission) and, on success, moves
// the connection to Active.
func (c *conn) handleConnect(cp *packets.ConnectPacket) bool {
	if cp.ProtocolLevel != c.b.cfg.ProtocolLevel {
		c.rejectConnect(packets.ConnRefusedUnacceptableProtocol, reasonUnsupportedProtocolVersion, ErrUnsupportedVersion)
		return false
	}
	if cp.ClientID == "" && !cp.CleanSession {
		c.rejectConnect(packets.ConnRefusedIdentifierRejected, reasonClientIdentifierNotValid, ErrIdentifierRejected)
		return false
	}

	if !cp.UsernameFlag {
		if !c.b.cfg.AllowAnonymous {
			c.rejectConnect(packets.ConnRefusedNotAuthorized, reasonNotAuthorized, ErrNotAuthorized)
			return false
		}
	} else if len(c.b.creds) > 0 && !c.b.creds.check(cp.Username, cp.Password) {
		c.rejectConnect(packets.ConnRefusedBadUsernameOrPassword, reasonBadUsernameOrPassword, ErrBadCredentials)
		return false
	}

	clientID := cp.ClientID
	var assignedID string
	if clientID == "" {
		clientID = uuid.NewString()
		assignedID = clientID
	}

	sess, present, prior, replaced := c.b.sessions.createOrResume(clientID, cp.Username, cp.CleanSession)
	if replaced != nil {
		replaced.mu.Lock()
		oldSubs := replaced.subs
		replaced.mu.Unlock()
		c.b.subs.removeAll(clientID, oldSubs)
	}

	sess.mu.Lock()
	if cp.WillFlag {
		sess.will = &message{
			Topic:      cp.WillTopic,
			Payload:    append([]byte(nil), cp.WillMessage...),
			QoS:        cp.WillQoS,
			Retain:     cp.WillRetain,
			Properties: cp.WillProperties,
		}
	}
	sess.conn = c
	sess.mu.Unlock()

	if prior != nil && prior != c {
		prior.takeOver()
	}

	c.clientID = clientID
	c.sess = sess
	c.version = cp.ProtocolLevel
	c.keepAlive = time.Duration(cp.KeepAlive) * time.Second
	atomic.StoreInt32(&c.state, stateActive)

	ack := &packets.ConnackPacket{
		SessionPresent: present,
		ReturnCode:     packets.ConnAccepted,
	}
	if c.version >= 5 {
		ack.Properties = &packets.Properties{}
		if assignedID != "" {
			ack.Properties.AssignedClientIdentifier = assignedID
			ack.Properties.Presence |= packets.PresAssignedClientIdentifier
		}
	}
	if err := c.send(ack); err != nil {
		c.closeWithError(err)
		return false
	}

	// Deliver whatever accumulated while this session was offline.
	for _, m := range sess.drainOffline() {
		c.deliver(m.Topic, m.Payload, m.QoS, m.Retain, m.Properties)
	}
	return true
}

// rejectConnect sends a CONNACK carrying the given reason and closes the
// connection without transitioning to Active.
func (c *conn) rejectConnect(v3Code, v5Reason uint8, reason error) {
	ack := &packets.ConnackPacket{}
	if c.b.cfg.ProtocolLevel >= 5 {
		ack.ReturnCode = v5Reason
		ack.Properties = &packets.Properties{}
	} else {
		ack.ReturnCode = v3Code
	}
	c.send(ack)
	c.closeWithError(reason)
}

// handlePublish implements spec §4.6's inbound PUBLISH handling: retained
// store update, fan-out at min(publisher QoS, subscriber granted QoS), and
// the QoS-dependent acknowledgment to the publisher.
func (c *conn) handlePublish(p *packets.PublishPacket) bool {
	if p.QoS == 2 {
		c.mu.Lock()
		_, dup := c.qos2In[p.PacketID]
		c.mu.Unlock()
		if dup && p.Dup {
			// Already holding AwaitingPubRel for this id: re-acknowledge
			// without a second fan-out (spec §4.6/§8).
			c.send(&packets.PubrecPacket{PacketID: p.PacketID, Version: c.version})
			return true
		}
	}

	m := messageFromPublish(p)
	if m.Retain {
		c.b.retained.apply(m)
	}
	c.b.fanOut(m, c.clientID)

	switch p.QoS {
	case packets.QoS1:
		c.send(&packets.PubackPacket{PacketID: p.PacketID, Version: c.version})
	case packets.QoS2:
		c.mu.Lock()
		c.qos2In[p.PacketID] = struct{}{}
		c.mu.Unlock()
		c.send(&packets.PubrecPacket{PacketID: p.PacketID, Version: c.version})
	}
	return true
}

func (c *conn) handlePubrel(p *packets.PubrelPacket) {
	c.mu.Lock()
	delete(c.qos2In, p.PacketID)
	c.mu.Unlock()
	c.send(&packets.PubcompPacket{PacketID: p.PacketID, Version: c.version})
}

func (c *conn) handlePuback(p *packets.PubackPacket) {
	c.outMu.Lock()
	delete(c.outPending, p.PacketID)
	c.outMu.Unlock()
}

func (c *conn) handlePubrec(p *packets.PubrecPacket) {
	c.outMu.Lock()
	if _, ok := c.outPending[p.PacketID]; ok {
		c.outPending[p.PacketID] = outAwaitingPubcomp
	}
	c.outMu.Unlock()
	c.send(&packets.PubrelPacket{PacketID: p.PacketID, Version: c.version})
}

func (c *conn) handlePubcomp(p *packets.PubcompPacket) {
	c.outMu.Lock()
	delete(c.outPending, p.PacketID)
	c.outMu.Unlock()
}

// handleSubscribe implements spec §4.6's inbound SUBSCRIBE handling:
// granted QoS per filter, SUBACK, then retained replay on each granted
// filter using freshly allocated packet identifiers for QoS>0 deliveries.
func (c *conn) handleSubscribe(p *packets.SubscribePacket) bool {
	if len(p.Topics) == 0 {
		c.closeWithError(ErrMalformedPacket)
		return false
	}

	codes := make([]uint8, len(p.Topics))
	type granted struct {
		filter string
		qos    uint8
	}
	var ok []granted

	for i, filter := range p.Topics {
		if !topicmatch.ValidFilter(filter) {
			codes[i] = packets.SubackFailure
			continue
		}
		qos := p.QoS[i]
		if qos > packets.QoS2 {
			qos = packets.QoS2
		}
		c.b.subs.add(c.clientID, filter, qos)
		c.sess.mu.Lock()
		c.sess.subs[filter] = qos
		c.sess.mu.Unlock()
		codes[i] = qos
		ok = append(ok, granted{filter: filter, qos: qos})
	}

	if err := c.send(&packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes, Version: c.version}); err != nil {
		c.closeWithError(err)
		return false
	}

	for _, g := range ok {
		for _, m := range c.b.retained.collect(g.filter) {
			deliverQoS := m.QoS
			if g.qos < deliverQoS {
				deliverQoS = g.qos
			}
			c.deliver(m.Topic, m.Payload, deliverQoS, true, m.Properties)
		}
	}
	return true
}

func (c *conn) handleUnsubscribe(p *packets.UnsubscribePacket) bool {
	for _, filter := range p.Topics {
		c.b.subs.remove(c.clientID, filter)
		c.sess.mu.Lock()
		delete(c.sess.subs, filter)
		c.sess.mu.Unlock()
	}
	if err := c.send(&packets.UnsubackPacket{PacketID: p.PacketID, Version: c.version}); err != nil {
		c.closeWithError(err)
		return false
	}
	return true
}

func (c *conn) handleDisconnect(p *packets.DisconnectPacket) {
	c.mu.Lock()
	c.graceful = true
	c.mu.Unlock()
	// A DISCONNECT with a non-zero reason code before a Will was sent
	// discards the Will per MQTT v5 semantics; since delivery only
	// happens on an ungraceful close (graceful=true skips it here), the
	// Will is simply dropped for every graceful DISCONNECT.
	c.closeWithError(nil)
}

// deliver writes a PUBLISH toward this connection as a subscriber,
// allocating a packet identifier from this connection's own outbound
// counter for QoS>0 (never a shared counter, per spec §9).
func (c *conn) deliver(topic string, payload []byte, qos uint8, retain bool, props *packets.Properties) error {
	pkt := &packets.PublishPacket{
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		Properties: props,
		Version:    c.version,
	}
	if qos > 0 {
		c.outMu.Lock()
		id := c.nextOutID()
		c.outPending[id] = outAwaitingAck1
		c.outMu.Unlock()
		pkt.PacketID = id
	}
	return c.send(pkt)
}

// nextOutID mirrors the client's own nextID (logic.go): a counter that
// wraps from 0xFFFF to 1, skipping 0, scanning for a value not already
// outstanding so it cannot collide with an in-flight identifier.
func (c *conn) nextOutID() uint16 {
	for range [65535]struct{}{} {
		c.outNextID++
		if c.outNextID == 0 {
			c.outNextID = 1
		}
		if _, used := c.outPending[c.outNextID]; !used {
			return c.outNextID
		}
	}
	return c.outNextID
}

// takeOver closes a connection that has just been superseded by a second
// CONNECT for the same client identifier (spec §4.4 "Take-over"). The
// session and subscription-index cleanup for this client ID has already
// been performed by the new connection's admission, so this connection's
// own closeWithError must not repeat it.
func (c *conn) takeOver() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
	c.closeWithError(ErrProtocolViolation)
}

// closeWithError tears down the connection: it publishes the session's
// Will (if this was an ungraceful, non-superseding close), releases the
// session if clean_session was set, and closes the socket. Safe to call
// more than once or concurrently.
func (c *conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, stateClosing)

		c.mu.Lock()
		superseded := c.superseded
		graceful := c.graceful
		c.mu.Unlock()

		if !superseded && c.sess != nil {
			if !graceful {
				c.publishWillIfAny()
			}

			c.sess.mu.Lock()
			if c.sess.conn == c {
				c.sess.conn = nil
			}
			clean := c.sess.cleanSession
			var filters map[string]uint8
			if clean {
				filters = c.sess.subs
			}
			c.sess.mu.Unlock()

			if clean {
				c.b.sessions.destroy(c.clientID)
				c.b.subs.removeAll(c.clientID, filters)
			}
		}

		if err != nil && c.logger != nil {
			c.logger.Debug("connection closed", "client_id", c.clientID, "error", err)
		}
		c.nc.Close()
	})
}

func (c *conn) publishWillIfAny() {
	c.sess.mu.Lock()
	will := c.sess.will
	c.sess.will = nil
	c.sess.mu.Unlock()
	if will == nil {
		return
	}
	if will.Retain {
		c.b.retained.apply(will)
	}
	c.b.fanOut(will, c.clientID)
}
