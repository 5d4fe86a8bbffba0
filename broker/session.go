package broker

import "sync"

// maxQueuedOffline bounds the structural offline-message queue described in
// spec §3 ("Session"). Durability is explicitly out of scope; this only
// keeps a recently-connected session from growing without bound while its
// connection is down.
const maxQueuedOffline = 100

// session is the broker's per-client-identifier state. It outlives any
// single TCP connection when clean_session is false.
type session struct {
	mu sync.Mutex

	clientID     string
	username     string
	cleanSession bool

	// subs is this session's own view of its subscriptions (filter ->
	// granted QoS), kept in agreement with the global subscriptionIndex
	// per spec §3's invariant.
	subs map[string]uint8

	// conn is the currently active connection for this session, or nil if
	// the session is offline (persisted only because clean_session=false).
	conn *conn

	// will holds the CONNECT's Will message, if any, cleared and published
	// on an ungraceful close (see conn.publishWillIfAny).
	will *message

	// pending holds messages queued for offline delivery; structural only,
	// per spec §3 ("durability is out of scope").
	pending []*message
}

func newSession(clientID, username string, cleanSession bool) *session {
	return &session{
		clientID:     clientID,
		username:     username,
		cleanSession: cleanSession,
		subs:         make(map[string]uint8),
	}
}

func (s *session) enqueueOffline(m *message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxQueuedOffline {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, m)
}

func (s *session) drainOffline() []*message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

// sessionStore is the broker-wide client-identifier -> session table,
// guarded by its own reader/writer lock per spec §5.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// createOrResume implements spec §4.4's create_or_resume_session: a clean
// session (or the absence of a prior one) always yields a fresh session and
// session_present=false; otherwise the prior session is rebound and
// session_present=true. When a prior session is discarded (clean=true over
// an existing entry), replaced is that discarded session so the caller can
// strip its entries from the subscription index.
func (st *sessionStore) createOrResume(clientID, username string, clean bool) (sess *session, present bool, prior *conn, replaced *session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	existing, ok := st.sessions[clientID]
	if clean || !ok {
		if ok {
			prior = existing.conn
			replaced = existing
		}
		sess = newSession(clientID, username, clean)
		st.sessions[clientID] = sess
		return sess, false, prior, replaced
	}

	existing.mu.Lock()
	existing.username = username
	existing.cleanSession = clean
	prior = existing.conn
	existing.mu.Unlock()
	return existing, true, prior, nil
}

func (st *sessionStore) destroy(clientID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, clientID)
}

func (st *sessionStore) get(clientID string) (*session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[clientID]
	return sess, ok
}
