package mq

import "sync"

// Compile-time check that MemoryStore implements SessionStore.
var _ SessionStore = (*MemoryStore)(nil)

// MemoryStore implements SessionStore purely in process memory. It survives
// reconnects within the same process (the client keeps using the same
// Client value) but is discarded on process exit: this library does not
// persist session state across restarts, so MemoryStore is the only
// SessionStore implementation shipped.
//
// A MemoryStore is safe to share between a single Client's logic loop calls;
// it is not intended to be shared across independently-connecting clients.
type MemoryStore struct {
	mu       sync.Mutex
	clientID string
	pending  map[uint16]*PersistedPublish
	subs     map[string]*SubscriptionInfo
	qos2     map[uint16]struct{}
}

// NewMemoryStore creates an in-memory session store for the given client ID.
//
// Example:
//
//	store := mq.NewMemoryStore("sensor-1")
//	client, err := mq.Dial("tcp://localhost:1883",
//	    mq.WithClientID("sensor-1"),
//	    mq.WithCleanSession(false),
//	    mq.WithSessionStore(store))
func NewMemoryStore(clientID string) *MemoryStore {
	return &MemoryStore{
		clientID: clientID,
		pending:  make(map[uint16]*PersistedPublish),
		subs:     make(map[string]*SubscriptionInfo),
		qos2:     make(map[uint16]struct{}),
	}
}

// ClientID returns the client ID this store is bound to.
func (m *MemoryStore) ClientID() string {
	return m.clientID
}

func (m *MemoryStore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[packetID] = pub
	return nil
}

func (m *MemoryStore) DeletePendingPublish(packetID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, packetID)
	return nil
}

func (m *MemoryStore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]*PersistedPublish, len(m.pending))
	for id, pub := range m.pending {
		out[id] = pub
	}
	return out, nil
}

func (m *MemoryStore) ClearPendingPublishes() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[uint16]*PersistedPublish)
	return nil
}

func (m *MemoryStore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = sub
	return nil
}

func (m *MemoryStore) DeleteSubscription(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *MemoryStore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*SubscriptionInfo, len(m.subs))
	for topic, sub := range m.subs {
		out[topic] = sub
	}
	return out, nil
}

func (m *MemoryStore) SaveReceivedQoS2(packetID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qos2[packetID] = struct{}{}
	return nil
}

func (m *MemoryStore) DeleteReceivedQoS2(packetID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.qos2, packetID)
	return nil
}

func (m *MemoryStore) LoadReceivedQoS2() (map[uint16]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]struct{}, len(m.qos2))
	for id := range m.qos2 {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *MemoryStore) ClearReceivedQoS2() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qos2 = make(map[uint16]struct{})
	return nil
}

// Clear removes all session state held by the store.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[uint16]*PersistedPublish)
	m.subs = make(map[string]*SubscriptionInfo)
	m.qos2 = make(map[uint16]struct{})
	return nil
}
