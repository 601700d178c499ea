package presence

import (
	"errors"
	"testing"
)

func TestEffectiveCountResolvesIdentities(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("sess_1", "cust_1", "prov_1")

	// participant A with two connections, B with none: count is 1, never 2
	if err := tracker.Join("sess_1", "cust_1", "conn_a"); err != nil {
		t.Fatalf("join conn_a: %v", err)
	}
	if err := tracker.Join("sess_1", "cust_1", "conn_b"); err != nil {
		t.Fatalf("join conn_b: %v", err)
	}
	if got := tracker.EffectiveCount("sess_1"); got != 1 {
		t.Fatalf("expected effective count 1 for one identity with two sockets, got %d", got)
	}

	if err := tracker.Join("sess_1", "prov_1", "conn_c"); err != nil {
		t.Fatalf("join conn_c: %v", err)
	}
	if got := tracker.EffectiveCount("sess_1"); got != 2 {
		t.Fatalf("expected effective count 2, got %d", got)
	}

	// losing one of the customer's two tabs keeps them present
	if sessionID, ok := tracker.Leave("conn_a"); !ok || sessionID != "sess_1" {
		t.Fatalf("leave conn_a: ok=%v session=%s", ok, sessionID)
	}
	if got := tracker.EffectiveCount("sess_1"); got != 2 {
		t.Fatalf("expected effective count 2 after losing one tab, got %d", got)
	}

	tracker.Leave("conn_b")
	tracker.Leave("conn_c")
	if got := tracker.EffectiveCount("sess_1"); got != 0 {
		t.Fatalf("expected empty presence, got %d", got)
	}
}

func TestJoinRejectsDesyncedConnections(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("sess_1", "cust_1", "prov_1")

	if err := tracker.Join("sess_1", "intruder", "conn_x"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if err := tracker.Join("sess_ghost", "cust_1", "conn_y"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if got := tracker.EffectiveCount("sess_1"); got != 0 {
		t.Fatalf("rejected joins must not affect presence, got %d", got)
	}
}

func TestPresentAndDrop(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("sess_1", "cust_1", "prov_1")

	if err := tracker.Join("sess_1", "prov_1", "conn_a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !tracker.Present("sess_1", "prov_1") {
		t.Fatalf("expected provider present")
	}
	if tracker.Present("sess_1", "cust_1") {
		t.Fatalf("expected customer absent")
	}

	tracker.Drop("sess_1")
	if tracker.Present("sess_1", "prov_1") {
		t.Fatalf("expected empty presence after drop")
	}
	if _, ok := tracker.Leave("conn_a"); ok {
		t.Fatalf("dropped connection should be forgotten")
	}
}

func TestLeaveUnknownConnection(t *testing.T) {
	tracker := NewTracker()
	if _, ok := tracker.Leave("conn_nope"); ok {
		t.Fatalf("expected unknown connection to be a no-op")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("sess_1", "cust_1", "prov_1")
	if err := tracker.Join("sess_1", "cust_1", "conn_a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	// re-registering (reconnect race) must not wipe live connections
	tracker.Register("sess_1", "cust_1", "prov_1")
	if got := tracker.EffectiveCount("sess_1"); got != 1 {
		t.Fatalf("expected presence to survive re-register, got %d", got)
	}
}
