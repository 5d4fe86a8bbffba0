// Package broker implements the embeddable MQTT broker half of the engine:
// the accept loop, per-connection state machine, session and subscription
// tables, wildcard topic matching, and the retained-message store. It has
// no teacher precedent in this tree (the client's origin library ships no
// server), so its shape is grounded in the accept-loop-plus-goroutine-per-
// connection fragments retrieved from the wider example pack and mirrors
// the client engine's own conventions (functional options, *slog.Logger,
// a typed error taxonomy) for consistency within the module.
package broker

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Config holds the broker's runtime configuration, matching spec §6's
// "Broker configuration" surface exactly.
type Config struct {
	// BindAddress is the TCP address to listen on, e.g. ":1883".
	BindAddress string

	// MaxConnections caps the number of concurrently accepted connections.
	// Zero means unlimited.
	MaxConnections int

	// MaxPacketSize caps the remaining-length of any incoming packet. Zero
	// or values above the MQTT spec maximum (268,435,455) use the spec
	// maximum.
	MaxPacketSize int

	// ProtocolLevel is the only protocol level this broker accepts on
	// CONNECT: 4 for MQTT 3.1.1, 5 for MQTT 5.0.
	ProtocolLevel uint8

	// AllowAnonymous permits CONNECT packets with no username.
	AllowAnonymous bool

	// Credentials is the username -> password lookup table consulted when
	// a CONNECT carries a username. Nil means no credential checking beyond
	// AllowAnonymous.
	Credentials map[string]string

	// ConnectTimeout bounds the wait for CONNECT after a connection is
	// accepted. Zero disables the timeout.
	ConnectTimeout time.Duration

	// ReadTimeout bounds a single socket read on an Active connection whose
	// keep-alive is 0 (disabled); see applyReadDeadline.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration

	// Logger receives structured log events. Defaults to a discarding
	// logger; the core never selects a concrete backend (spec §1).
	Logger *slog.Logger
}

// Option configures a Broker at construction time.
type Option func(*Config)

// WithBindAddress sets the TCP listen address.
func WithBindAddress(addr string) Option {
	return func(c *Config) { c.BindAddress = addr }
}

// WithMaxConnections caps concurrently accepted connections.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithMaxPacketSize caps the remaining-length of incoming packets.
func WithMaxPacketSize(n int) Option {
	return func(c *Config) { c.MaxPacketSize = n }
}

// WithProtocolLevel pins the broker to a single MQTT protocol level (4 or 5).
func WithProtocolLevel(level uint8) Option {
	return func(c *Config) { c.ProtocolLevel = level }
}

// WithAllowAnonymous permits connections with no username.
func WithAllowAnonymous(allow bool) Option {
	return func(c *Config) { c.AllowAnonymous = allow }
}

// WithCredentials sets the username -> password lookup table.
func WithCredentials(creds map[string]string) Option {
	return func(c *Config) {
		c.Credentials = make(map[string]string, len(creds))
		for u, p := range creds {
			c.Credentials[u] = p
		}
	}
}

// WithConnectTimeout bounds the CONNECT -> CONNACK wait.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithReadTimeout bounds a single socket read.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

// WithWriteTimeout bounds a single socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithLogger sets the broker's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func defaultConfig() *Config {
	return &Config{
		BindAddress:    ":1883",
		ProtocolLevel:  5,
		ConnectTimeout: 10 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Broker is the embeddable MQTT broker. One Broker owns one accept loop and
// the three shared stores named in spec §3 (session table, subscription
// index, retained store); connection handlers hold only short-lived
// references to them, per the ownership rules in spec §3/§5.
type Broker struct {
	cfg    Config
	creds  credentialTable
	logger *slog.Logger

	sessions *sessionStore
	subs     *subscriptionIndex
	retained *retainedStore

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool

	connSem chan struct{}

	wg sync.WaitGroup
}

// New constructs a Broker from the given options without starting it.
func New(opts ...Option) *Broker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("lib", "broker")
	}

	b := &Broker{
		cfg:      *cfg,
		creds:    credentialTable(cfg.Credentials),
		logger:   cfg.Logger,
		sessions: newSessionStore(),
		subs:     newSubscriptionIndex(),
		retained: newRetainedStore(),
		conns:    make(map[*conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		b.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return b
}

// ListenAndServe opens a TCP listener on the configured bind address and
// serves it until Close is called.
func (b *Broker) ListenAndServe() error {
	ln, err := net.Listen("tcp", b.cfg.BindAddress)
	if err != nil {
		return err
	}
	return b.Serve(ln)
}

// Serve accepts connections from ln until Close is called or Accept
// returns a non-recoverable error. Each accepted connection enters
// AwaitingConnect immediately (spec §6): no protocol preamble other than
// MQTT's own CONNECT is consumed.
func (b *Broker) Serve(ln net.Listener) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	b.listener = ln
	b.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if b.connSem != nil {
			select {
			case b.connSem <- struct{}{}:
			default:
				nc.Close()
				continue
			}
		}

		c := newConn(b, nc)
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.serve()
			b.mu.Lock()
			delete(b.conns, c)
			b.mu.Unlock()
			if b.connSem != nil {
				<-b.connSem
			}
		}()
	}
}

// Close stops accepting new connections and closes every live connection.
// It does not wait for in-flight handler goroutines to drain; callers that
// need that should track Serve's return separately.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ln := b.listener
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.closeWithError(ErrServerClosed)
	}
	return err
}

// Addr returns the listener's network address, or nil if not yet serving.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// fanOut delivers m to every subscriber whose filter matches m.Topic, at
// min(publisher QoS, subscriber granted QoS), per spec §4.6/§8. The
// subscription-index read lock is released (inside subs.lookup) before any
// socket I/O happens, per spec §5's "never hold a store lock across a
// socket I/O call".
func (b *Broker) fanOut(m *message, publisherID string) {
	for _, sub := range b.subs.lookup(m.Topic) {
		sess, ok := b.sessions.get(sub.clientID)
		if !ok {
			continue
		}

		deliverQoS := m.QoS
		if sub.qos < deliverQoS {
			deliverQoS = sub.qos
		}

		sess.mu.Lock()
		target := sess.conn
		sess.mu.Unlock()

		if target == nil {
			sess.enqueueOffline(&message{
				Topic:      m.Topic,
				Payload:    m.Payload,
				QoS:        deliverQoS,
				Properties: m.Properties,
			})
			continue
		}
		target.deliver(m.Topic, m.Payload, deliverQoS, false, m.Properties)
	}
}
