package broker

import "testing"

func TestSessionStoreCreateOrResumeCleanSession(t *testing.T) {
	st := newSessionStore()

	sess1, present, prior, replaced := st.createOrResume("a", "u", true)
	if present || prior != nil || replaced != nil {
		t.Fatalf("first clean connect: present=%v prior=%v replaced=%v", present, prior, replaced)
	}
	sess1.subs["x/y"] = 1

	sess2, present, prior, replaced := st.createOrResume("a", "u", true)
	if present {
		t.Fatal("clean session must never report session_present")
	}
	if replaced != sess1 {
		t.Fatal("expected the prior session to be reported as replaced")
	}
	if sess2 == sess1 {
		t.Fatal("clean session must discard the prior session object")
	}
}

func TestSessionStoreCreateOrResumePersistentSession(t *testing.T) {
	st := newSessionStore()

	sess1, present, _, _ := st.createOrResume("a", "u", false)
	if present {
		t.Fatal("first connect for an unknown client id must not report session_present")
	}
	sess1.subs["x/y"] = 1

	sess2, present, _, replaced := st.createOrResume("a", "u2", false)
	if !present {
		t.Fatal("reconnect with clean_session=false must report session_present")
	}
	if replaced != nil {
		t.Fatal("resuming a session must not report it as replaced")
	}
	if sess2 != sess1 {
		t.Fatal("resuming a session must return the same session object")
	}
	if _, ok := sess2.subs["x/y"]; !ok {
		t.Fatal("resuming a session must keep its prior subscriptions")
	}
	if sess2.username != "u2" {
		t.Fatal("resuming a session must update its username")
	}
}

func TestSessionOfflineQueueBound(t *testing.T) {
	sess := newSession("a", "", false)
	for i := 0; i < maxQueuedOffline+10; i++ {
		sess.enqueueOffline(&message{Topic: "t"})
	}
	if len(sess.pending) != maxQueuedOffline {
		t.Fatalf("expected queue bounded at %d, got %d", maxQueuedOffline, len(sess.pending))
	}

	drained := sess.drainOffline()
	if len(drained) != maxQueuedOffline {
		t.Fatalf("expected to drain %d messages, got %d", maxQueuedOffline, len(drained))
	}
	if len(sess.pending) != 0 {
		t.Fatal("drain must empty the queue")
	}
	if sess.drainOffline() != nil {
		t.Fatal("draining an empty queue must return nil")
	}
}
