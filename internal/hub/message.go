// Package hub implements the WebSocket push plane of the relay. Agents that
// keep a socket open on GET /agents/{id}/inbox/ws are notified the moment a
// message lands in their inbox, so they can pull immediately instead of
// polling. Push is advisory only: delivery state always lives in the store,
// and a missed frame costs nothing but latency.
//
// Topic naming convention:
//
//	inbox:<agent_id>  — new-message notifications for an agent's inbox
//	agent:<agent_id>  — online/offline transitions for an agent
package hub

// EventType identifies the kind of event carried by an Event frame.
type EventType string

const (
	// EvMessageAvailable is sent when a message becomes pullable in the
	// subscriber's inbox (new send, group fan-out, or a reclaimed lease).
	EvMessageAvailable EventType = "message.available"

	// EvAgentStatus is sent when an agent transitions online or offline.
	EvAgentStatus EventType = "agent.status"
)

// Event is the envelope for every frame pushed to subscribers.
//
// JSON example:
//
//	{"type":"message.available","topic":"inbox:agent-b","payload":{"message_id":"..."}}
type Event struct {
	Type EventType `json:"type"`

	// Topic is the channel this event was published on; subscribers use it
	// to tell apart inbox and status frames on a shared socket.
	Topic string `json:"topic"`

	// Payload carries the event-specific data:
	//   - message.available: {"message_id":"...","from":"...","subject":"..."}
	//   - agent.status:      {"status":"online"}
	Payload any `json:"payload"`
}

// InboxTopic returns the inbox notification topic for an agent.
func InboxTopic(agentID string) string { return "inbox:" + agentID }

// AgentTopic returns the status topic for an agent.
func AgentTopic(agentID string) string { return "agent:" + agentID }
