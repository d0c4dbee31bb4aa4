package timeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/model"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *registry.MemoryCaseStore) {
	t.Helper()
	store := registry.NewMemoryCaseStore()
	hub := NewHub(store, config.TimelineConfig{SubscriberBuffer: buffer}, zap.NewNop(), nil, nil)
	t.Cleanup(func() { hub.Close() })
	return hub, store
}

func seedCase(t *testing.T, store registry.CaseStore, id string) {
	t.Helper()
	c := model.Case{
		ID:           id,
		Status:       model.CaseStatusRunning,
		InputPayload: map[string]any{"patient_id": "pt-100"},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		Version:      1,
	}
	if err := store.CreateCase(context.Background(), c, nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
}

func appendEvent(t *testing.T, store registry.CaseStore, caseID, role, status string) model.TimelineEvent {
	t.Helper()
	stored, err := store.AppendEvent(context.Background(), model.TimelineEvent{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Role:      role,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}
	return stored
}

func recvEvent(t *testing.T, sub *Subscription) model.TimelineEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.TimelineEvent{}
}

func expectNoEvent(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event: case=%s seq=%d", ev.CaseID, ev.Seq)
		}
	case <-time.After(wait):
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for subscription to close")
		}
	}
}

func waitSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Subscribers() = %d, want %d", hub.Subscribers(), want)
}

// --- Subscribe ---

func TestHub_Subscribe_liveFanOut(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")
	seedCase(t, store, "case-2")

	subA := hub.Subscribe(context.Background(), "case-1", 0)
	subB := hub.Subscribe(context.Background(), "case-1", 0)
	other := hub.Subscribe(context.Background(), "case-2", 0)

	ev := appendEvent(t, store, "case-1", model.RoleShelter, model.TaskStatusCompleted)
	hub.Publish(ev)

	for _, sub := range []*Subscription{subA, subB} {
		got := recvEvent(t, sub)
		if got.Seq != ev.Seq || got.Role != model.RoleShelter {
			t.Errorf("event = seq %d role %s, want seq %d role %s", got.Seq, got.Role, ev.Seq, model.RoleShelter)
		}
	}
	expectNoEvent(t, other, 50*time.Millisecond)
}

func TestHub_Subscribe_replayThenLive(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")

	for i := 0; i < 3; i++ {
		appendEvent(t, store, "case-1", model.RolePharmacy, model.TaskStatusDispatched)
	}

	sub := hub.Subscribe(context.Background(), "case-1", 0)

	for i := 0; i < 2; i++ {
		hub.Publish(appendEvent(t, store, "case-1", model.RoleShelter, model.TaskStatusCompleted))
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		ev := recvEvent(t, sub)
		if ev.Seq <= lastSeq {
			t.Fatalf("event %d: seq %d not greater than previous %d", i, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}
	if lastSeq != 5 {
		t.Errorf("last seq = %d, want 5", lastSeq)
	}
}

func TestHub_Subscribe_cursorSkipsReplayed(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")

	for i := 0; i < 3; i++ {
		appendEvent(t, store, "case-1", model.RoleEligibility, model.TaskStatusDispatched)
	}

	sub := hub.Subscribe(context.Background(), "case-1", 2)

	ev := recvEvent(t, sub)
	if ev.Seq != 3 {
		t.Errorf("first seq = %d, want 3", ev.Seq)
	}
	expectNoEvent(t, sub, 50*time.Millisecond)
}

func TestHub_Subscribe_unknownCaseEndsStream(t *testing.T) {
	hub, _ := newTestHub(t, 8)

	sub := hub.Subscribe(context.Background(), "case-missing", 0)

	expectClosed(t, sub)
	waitSubscribers(t, hub, 0)
}

func TestHub_Subscribe_contextCancelEndsStream(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")

	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "case-1", 0)

	cancel()

	expectClosed(t, sub)
	waitSubscribers(t, hub, 0)
}

func TestHub_Subscription_closeIsIdempotent(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")

	sub := hub.Subscribe(context.Background(), "case-1", 0)
	sub.Close()
	sub.Close()

	expectClosed(t, sub)
	waitSubscribers(t, hub, 0)
}

// --- SubscribeAll ---

func TestHub_SubscribeAll_seesAllCases(t *testing.T) {
	hub, _ := newTestHub(t, 8)

	sub := hub.SubscribeAll()

	hub.Publish(model.TimelineEvent{CaseID: "case-1", Seq: 1, Role: model.RoleShelter, Status: model.TaskStatusCompleted})
	hub.Publish(model.TimelineEvent{CaseID: "case-2", Seq: 1, Role: model.RoleTransport, Status: model.TaskStatusFailed})

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	if first.CaseID != "case-1" || second.CaseID != "case-2" {
		t.Errorf("cases = %s, %s, want case-1, case-2", first.CaseID, second.CaseID)
	}
}

// --- Publish ---

func TestHub_Publish_dropsSlowSubscriber(t *testing.T) {
	hub, _ := newTestHub(t, 1)

	sub := hub.SubscribeAll()

	hub.Publish(model.TimelineEvent{CaseID: "case-1", Seq: 1, Status: model.TaskStatusDispatched})
	hub.Publish(model.TimelineEvent{CaseID: "case-1", Seq: 2, Status: model.TaskStatusCompleted})

	if got := hub.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0 after drop", got)
	}

	ev := recvEvent(t, sub)
	if ev.Seq != 1 {
		t.Errorf("buffered seq = %d, want 1", ev.Seq)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed stream after drop")
	}
}

func TestHub_Publish_noSubscribers(t *testing.T) {
	hub, _ := newTestHub(t, 8)

	hub.Publish(model.TimelineEvent{CaseID: "case-1", Seq: 1, Status: model.TaskStatusDispatched})
}

// --- Mirror ---

type stubMirror struct {
	published atomic.Int64
	err       error
}

func (m *stubMirror) Publish(model.TimelineEvent) error {
	m.published.Add(1)
	return m.err
}

func (m *stubMirror) HealthCheck(context.Context) error { return nil }
func (m *stubMirror) Close() error                      { return nil }

func TestHub_Publish_mirrorFailureDoesNotBlockDelivery(t *testing.T) {
	store := registry.NewMemoryCaseStore()
	mirror := &stubMirror{err: errors.New("nats unavailable")}
	hub := NewHub(store, config.TimelineConfig{SubscriberBuffer: 8}, zap.NewNop(), nil, mirror)
	t.Cleanup(func() { hub.Close() })

	sub := hub.SubscribeAll()
	hub.Publish(model.TimelineEvent{CaseID: "case-1", Seq: 1, Status: model.TaskStatusCompleted})

	ev := recvEvent(t, sub)
	if ev.Seq != 1 {
		t.Errorf("seq = %d, want 1", ev.Seq)
	}
	if got := mirror.published.Load(); got != 1 {
		t.Errorf("mirror publishes = %d, want 1", got)
	}
}

// --- Close ---

func TestHub_Close_endsAllStreams(t *testing.T) {
	hub, store := newTestHub(t, 8)
	seedCase(t, store, "case-1")

	caseSub := hub.Subscribe(context.Background(), "case-1", 0)
	fireSub := hub.SubscribeAll()

	if err := hub.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	expectClosed(t, caseSub)
	expectClosed(t, fireSub)
	if got := hub.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
}

// --- Defaults ---

func TestNewHub_defaultBuffer(t *testing.T) {
	store := registry.NewMemoryCaseStore()
	hub := NewHub(store, config.TimelineConfig{}, zap.NewNop(), nil, nil)
	t.Cleanup(func() { hub.Close() })

	if hub.buffer != 64 {
		t.Errorf("buffer = %d, want 64", hub.buffer)
	}
}
