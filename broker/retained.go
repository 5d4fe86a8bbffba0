package broker

import (
	"sync"

	"github.com/duskmq/mq/internal/topicmatch"
)

// retainedStore is the topic-name -> last-retained-message mapping of spec
// §4.5, independent of the subscription index.
type retainedStore struct {
	mu    sync.RWMutex
	byTop map[string]*message
}

func newRetainedStore() *retainedStore {
	return &retainedStore{byTop: make(map[string]*message)}
}

// apply implements set/clear: a retained PUBLISH with a non-empty payload
// overwrites the entry, an empty payload deletes it. The write lock is held
// only for this single map operation, per spec §5.
func (rs *retainedStore) apply(m *message) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(m.Payload) == 0 {
		delete(rs.byTop, m.Topic)
		return
	}
	rs.byTop[m.Topic] = m
}

// collect enumerates every retained message whose topic name matches
// filter, for delivery on a fresh SUBSCRIBE.
func (rs *retainedStore) collect(filter string) []*message {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var out []*message
	for topic, m := range rs.byTop {
		if topicmatch.Matches(filter, topic) {
			out = append(out, m)
		}
	}
	return out
}
