package hub

import (
	"context"

	"github.com/admp-io/relay/internal/db"
)

// Notifier adapts the hub to the lifecycle engine's outbound-transport
// contract: every accepted send becomes a message.available frame on the
// recipient's inbox topic.
type Notifier struct {
	hub *Hub
}

// NewNotifier wraps h.
func NewNotifier(h *Hub) *Notifier {
	return &Notifier{hub: h}
}

// Notify publishes a message.available event. Never blocks: slow
// subscribers are dropped by the hub, and the message stays pullable.
func (n *Notifier) Notify(_ context.Context, recipient *db.Agent, msg *db.Message) {
	n.hub.Publish(InboxTopic(recipient.AgentID), Event{
		Type:  EvMessageAvailable,
		Topic: InboxTopic(recipient.AgentID),
		Payload: map[string]string{
			"message_id": msg.MessageID,
			"from":       msg.From,
			"subject":    msg.Subject,
		},
	})
}
