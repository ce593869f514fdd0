package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sprintd/bus"
	"sprintd/log"

	"github.com/google/uuid"
)

// Notification is the JSON payload pushed to the webhook.
type Notification struct {
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	SprintNumber int       `json:"sprint_number,omitempty"`
	IssueNumber  int       `json:"issue_number,omitempty"`
	Title        string    `json:"title,omitempty"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notifier pushes sprint events to a webhook. Delivery is strictly
// best-effort: failures are swallowed and logged, never propagated back into
// the sprint.
type Notifier struct {
	url    string
	client *http.Client
}

// New creates a notifier for the given webhook URL. An empty URL disables
// delivery.
func New(url string) *Notifier {
	return &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Attach subscribes the notifier to the events it pushes.
func (n *Notifier) Attach(b *bus.Bus) {
	b.SubscribeAll([]bus.EventType{bus.IssueFail, bus.SprintComplete, bus.SprintError}, n.onEvent)
}

func (n *Notifier) onEvent(e bus.Event) {
	notification := Notification{
		ID:        uuid.NewString(),
		Event:     string(e.Type),
		CreatedAt: e.Timestamp,
	}

	switch payload := e.Payload.(type) {
	case bus.IssuePayload:
		notification.SprintNumber = payload.SprintNumber
		notification.IssueNumber = payload.IssueNumber
		notification.Title = payload.Title
		notification.Message = payload.Reason
	case bus.ErrorPayload:
		notification.SprintNumber = payload.SprintNumber
		notification.Message = payload.Message
	case bus.PhasePayload:
		notification.Message = fmt.Sprintf("%s -> %s", payload.From, payload.To)
	}

	n.Send(notification)
}

// Send pushes one notification. Failures are logged and dropped.
func (n *Notifier) Send(notification Notification) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(notification)
	if err != nil {
		log.ErrorLog.Printf("failed to marshal notification %s: %v", notification.ID, err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WarningLog.Printf("notification %s to %s failed: %v", notification.ID, log.SanitizeURL(n.url), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WarningLog.Printf("notification %s to %s returned %d", notification.ID, log.SanitizeURL(n.url), resp.StatusCode)
		return
	}

	log.DebugLog.Printf("notification %s (%s) delivered", notification.ID, notification.Event)
}
