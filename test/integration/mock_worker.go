package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/dispatch"
)

// MockWorker is an HTTP test server that simulates an external worker
// service. It acknowledges dispatches, records every request for later
// assertion, and reports outcomes back through the callback URL carried in
// the dispatch request.
type MockWorker struct {
	t      *testing.T
	role   string
	server *httptest.Server

	mu        sync.Mutex
	received  []dispatch.Request
	scripted  []workerAction
	nextIndex int
}

// workerAction is one scripted response to a dispatch.
type workerAction struct {
	ackStatus int
	result    map[string]any
	failure   string
	callback  bool
	delay     time.Duration
}

// NewMockWorker starts a mock worker for a role. With no script configured
// every dispatch is acknowledged and completed with a canned payload.
func NewMockWorker(t *testing.T, role string) *MockWorker {
	t.Helper()
	w := &MockWorker{t: t, role: role}
	w.server = httptest.NewServer(http.HandlerFunc(w.handle))
	t.Cleanup(w.server.Close)
	return w
}

// URL returns the worker's endpoint URL.
func (w *MockWorker) URL() string {
	return w.server.URL
}

// CompleteWith scripts the next dispatch to be acknowledged and then
// completed with the given payload.
func (w *MockWorker) CompleteWith(payload map[string]any) *MockWorker {
	return w.script(workerAction{ackStatus: http.StatusOK, result: payload, callback: true})
}

// FailWith scripts the next dispatch to be acknowledged and then failed
// with the given reason.
func (w *MockWorker) FailWith(reason string) *MockWorker {
	return w.script(workerAction{ackStatus: http.StatusOK, failure: reason, callback: true})
}

// AckOnly scripts the next dispatch to be acknowledged and then ignored, so
// only the timeout sweep can move the task on.
func (w *MockWorker) AckOnly() *MockWorker {
	return w.script(workerAction{ackStatus: http.StatusOK})
}

// RejectWith scripts the next dispatch to be rejected with an HTTP status.
func (w *MockWorker) RejectWith(status int) *MockWorker {
	return w.script(workerAction{ackStatus: status})
}

// Delay adds a pause before the most recently scripted callback fires.
func (w *MockWorker) Delay(d time.Duration) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.scripted); n > 0 {
		w.scripted[n-1].delay = d
	}
	return w
}

func (w *MockWorker) script(a workerAction) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scripted = append(w.scripted, a)
	return w
}

// Received returns a copy of every dispatch request seen so far.
func (w *MockWorker) Received() []dispatch.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]dispatch.Request, len(w.received))
	copy(out, w.received)
	return out
}

// WaitReceived blocks until the worker has seen at least n dispatches.
func (w *MockWorker) WaitReceived(n int) []dispatch.Request {
	w.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := w.Received(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	w.t.Fatalf("worker %s received %d dispatches, want at least %d", w.role, len(w.Received()), n)
	return nil
}

func (w *MockWorker) handle(rw http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.received = append(w.received, req)
	action := workerAction{ackStatus: http.StatusOK, result: map[string]any{"role": w.role}, callback: true}
	if w.nextIndex < len(w.scripted) {
		action = w.scripted[w.nextIndex]
		w.nextIndex++
	}
	w.mu.Unlock()

	if action.ackStatus >= 400 {
		rw.WriteHeader(action.ackStatus)
		return
	}
	rw.WriteHeader(action.ackStatus)

	if action.callback && req.CallbackURL != "" {
		go w.postOutcome(req, action)
	}
}

// postOutcome reports the scripted result or failure through the callback
// URL the dispatch carried.
func (w *MockWorker) postOutcome(req dispatch.Request, action workerAction) {
	if action.delay > 0 {
		time.Sleep(action.delay)
	}

	var path string
	var body map[string]any
	if action.failure != "" {
		path = req.CallbackURL + "/failure"
		body = map[string]any{"error": action.failure}
	} else {
		path = req.CallbackURL + "/result"
		body = map[string]any{"payload": action.result}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	resp, err := http.Post(path, "application/json", bytes.NewReader(data))
	if err != nil {
		return
	}
	resp.Body.Close()
}
