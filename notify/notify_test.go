package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"sprintd/bus"
	"sprintd/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

type capture struct {
	mu     sync.Mutex
	bodies []Notification
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		_ = json.Unmarshal(body, &n)
		c.mu.Lock()
		c.bodies = append(c.bodies, n)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestNotifierPushesSubscribedEvents(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(cap.handler(http.StatusOK))
	defer server.Close()

	b := bus.New()
	n := New(server.URL)
	n.Attach(b)

	b.Emit(bus.IssueFail, bus.IssuePayload{SprintNumber: 7, IssueNumber: 42, Title: "Add refund flow", Reason: "quality gate failed"})
	b.Emit(bus.SprintComplete, nil)
	b.Emit(bus.SprintError, bus.ErrorPayload{SprintNumber: 7, Message: "drift incidents exceeded"})
	// Not subscribed: must not be delivered.
	b.Emit(bus.PhaseChange, bus.PhasePayload{From: "init", To: "refine"})

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.bodies, 3)

	first := cap.bodies[0]
	assert.Equal(t, "issue:fail", first.Event)
	assert.Equal(t, 42, first.IssueNumber)
	assert.Equal(t, "quality gate failed", first.Message)
	assert.NotEmpty(t, first.ID)

	assert.Equal(t, "sprint:complete", cap.bodies[1].Event)
	assert.Equal(t, "drift incidents exceeded", cap.bodies[2].Message)
}

func TestNotifierSwallowsServerErrors(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(cap.handler(http.StatusInternalServerError))
	defer server.Close()

	n := New(server.URL)
	// Must not panic or propagate anything.
	n.Send(Notification{ID: "x", Event: "sprint:error"})

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Len(t, cap.bodies, 1)
}

func TestNotifierSwallowsConnectionFailure(t *testing.T) {
	n := New("http://127.0.0.1:1/unreachable")
	n.Send(Notification{ID: "x", Event: "sprint:error"})
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	n := New("")
	n.Send(Notification{ID: "x", Event: "sprint:error"})
}
