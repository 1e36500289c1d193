package dispatch

import (
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/event"
)

// Broadcaster is the registry surface handlers route through.
type Broadcaster interface {
	SendToUser(userID string, ev *event.Event) int
	BroadcastToSubscription(sub event.Subscription, ev *event.Event) int
	BroadcastToAll(ev *event.Event) int
}

// Handler processes one event and reports whether it succeeded.
type Handler interface {
	Handle(ev *event.Event) bool
	Supported() []event.Type
}

// instanceHandler fans WhatsApp-instance lifecycle events out to the
// instance_status subscription group.
type instanceHandler struct {
	b   Broadcaster
	log *zap.Logger
}

func (h *instanceHandler) Supported() []event.Type {
	return []event.Type{
		event.TypeInstanceStatusChanged,
		event.TypeInstanceCreated,
		event.TypeInstanceDeleted,
		event.TypeInstanceConnected,
		event.TypeInstanceDisconnected,
		event.TypeQRCodeGenerated,
	}
}

func (h *instanceHandler) Handle(ev *event.Event) bool {
	h.b.BroadcastToSubscription(event.SubscriptionInstanceStatus, ev)
	h.log.Debug("instance event dispatched",
		zap.String("type", string(ev.Type)),
		zap.Any("instance_id", ev.Data["instance_id"]),
	)
	return true
}

// messageHandler fans messaging-pipeline events out to the messages
// subscription group.
type messageHandler struct {
	b   Broadcaster
	log *zap.Logger
}

func (h *messageHandler) Supported() []event.Type {
	return []event.Type{
		event.TypeMessageReceived,
		event.TypeMessageSent,
		event.TypeMessageDelivered,
		event.TypeMessageRead,
		event.TypeMessageFailed,
	}
}

func (h *messageHandler) Handle(ev *event.Event) bool {
	h.b.BroadcastToSubscription(event.SubscriptionMessages, ev)
	if ev.Type == event.TypeMessageFailed {
		h.log.Warn("message failed",
			zap.Any("message_id", ev.Data["message_id"]),
			zap.Any("error", ev.Data["error"]),
		)
	}
	return true
}

// agentHandler fans agent-pipeline events out to the agent_events
// subscription group.
type agentHandler struct {
	b   Broadcaster
	log *zap.Logger
}

func (h *agentHandler) Supported() []event.Type {
	return []event.Type{
		event.TypeAgentCreated,
		event.TypeAgentUpdated,
		event.TypeAgentDeleted,
		event.TypeAgentMaterialized,
		event.TypeAgentResponse,
		event.TypeAgentError,
	}
}

func (h *agentHandler) Handle(ev *event.Event) bool {
	h.b.BroadcastToSubscription(event.SubscriptionAgentEvents, ev)
	if ev.Type == event.TypeAgentError {
		h.log.Warn("agent error",
			zap.Any("agent_id", ev.Data["agent_id"]),
			zap.Any("error", ev.Data["error"]),
		)
	}
	return true
}

// systemHandler routes system and monitoring events. Maintenance goes
// to everyone, rate-limit notices to the affected user only, the rest
// to system_events subscribers.
type systemHandler struct {
	b   Broadcaster
	log *zap.Logger
}

func (h *systemHandler) Supported() []event.Type {
	return []event.Type{
		event.TypeSystemStatus,
		event.TypeSystemError,
		event.TypeSystemMaintenance,
		event.TypeRateLimitExceeded,
		event.TypePerformanceMetrics,
		event.TypeHealthCheck,
		event.TypeLogEntry,
	}
}

func (h *systemHandler) Handle(ev *event.Event) bool {
	switch ev.Type {
	case event.TypeSystemMaintenance:
		h.b.BroadcastToAll(ev)
	case event.TypeRateLimitExceeded:
		userID := ev.UserID
		if userID == "" {
			userID, _ = ev.Data["user_id"].(string)
		}
		if userID == "" {
			h.log.Warn("rate limit event without user id")
			return false
		}
		h.b.SendToUser(userID, ev)
	default:
		h.b.BroadcastToSubscription(event.SubscriptionSystemEvents, ev)
	}

	if ev.Type == event.TypeSystemError {
		h.log.Error("system error event",
			zap.Any("component", ev.Data["component"]),
			zap.Any("message", ev.Data["message"]),
		)
	}
	return true
}

// userHandler fans user-activity events out to the user_events
// subscription group.
type userHandler struct {
	b   Broadcaster
	log *zap.Logger
}

func (h *userHandler) Supported() []event.Type {
	return []event.Type{
		event.TypeUserActivity,
		event.TypeUserLoggedIn,
		event.TypeUserLoggedOut,
	}
}

func (h *userHandler) Handle(ev *event.Event) bool {
	h.b.BroadcastToSubscription(event.SubscriptionUserEvents, ev)
	return true
}
