package event

import (
	"time"
)

// Type identifies a websocket event. The set is closed: inbound frames
// carrying a type outside this catalog are rejected at decode time.
type Type string

const (
	// Connection
	TypeConnectionEstablished Type = "connection_established"
	TypeConnectionLost        Type = "connection_lost"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"

	// Authentication
	TypeAuthenticate          Type = "authenticate"
	TypeAuthenticationSuccess Type = "authentication_success"
	TypeAuthenticationFailed  Type = "authentication_failed"
	TypeTokenExpired          Type = "token_expired"

	// Subscription
	TypeSubscribe             Type = "subscribe"
	TypeUnsubscribe           Type = "unsubscribe"
	TypeSubscriptionConfirmed Type = "subscription_confirmed"
	TypeSubscriptionFailed    Type = "subscription_failed"

	// WhatsApp instances
	TypeInstanceStatusChanged Type = "instance_status_changed"
	TypeInstanceCreated       Type = "instance_created"
	TypeInstanceDeleted       Type = "instance_deleted"
	TypeInstanceConnected     Type = "instance_connected"
	TypeInstanceDisconnected  Type = "instance_disconnected"
	TypeQRCodeGenerated       Type = "qr_code_generated"

	// Messages
	TypeMessageReceived  Type = "message_received"
	TypeMessageSent      Type = "message_sent"
	TypeMessageDelivered Type = "message_delivered"
	TypeMessageRead      Type = "message_read"
	TypeMessageFailed    Type = "message_failed"

	// Agents
	TypeAgentCreated      Type = "agent_created"
	TypeAgentUpdated      Type = "agent_updated"
	TypeAgentDeleted      Type = "agent_deleted"
	TypeAgentMaterialized Type = "agent_materialized"
	TypeAgentResponse     Type = "agent_response"
	TypeAgentError        Type = "agent_error"

	// System
	TypeSystemStatus      Type = "system_status"
	TypeSystemError       Type = "system_error"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeRateLimitExceeded Type = "rate_limit_exceeded"

	// Users
	TypeUserActivity  Type = "user_activity"
	TypeUserLoggedIn  Type = "user_logged_in"
	TypeUserLoggedOut Type = "user_logged_out"

	// Monitoring
	TypePerformanceMetrics Type = "performance_metrics"
	TypeHealthCheck        Type = "health_check"
	TypeLogEntry           Type = "log_entry"
)

// Priority orders events for consumers. Comparison uses Level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Level returns the numeric rank of a priority, low first. Unknown
// priorities rank as normal.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Category groups event types. It is always derived from the type via
// CategoryOf, never stored independently.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategorySubscription   Category = "subscription"
	CategoryInstance       Category = "instance"
	CategoryMessage        Category = "message"
	CategoryAgent          Category = "agent"
	CategorySystem         Category = "system"
	CategoryUser           Category = "user"
	CategoryMonitoring     Category = "monitoring"
)

// Subscription is a named interest group a connection can join.
type Subscription string

const (
	SubscriptionAll            Subscription = "all"
	SubscriptionInstanceStatus Subscription = "instance_status"
	SubscriptionMessages       Subscription = "messages"
	SubscriptionAgentEvents    Subscription = "agent_events"
	SubscriptionSystemEvents   Subscription = "system_events"
	SubscriptionUserEvents     Subscription = "user_events"
)

// ParseSubscription validates a wire subscription tag.
func ParseSubscription(s string) (Subscription, bool) {
	switch Subscription(s) {
	case SubscriptionAll, SubscriptionInstanceStatus, SubscriptionMessages,
		SubscriptionAgentEvents, SubscriptionSystemEvents, SubscriptionUserEvents:
		return Subscription(s), true
	}
	return "", false
}

var categories = map[Type]Category{
	TypeConnectionEstablished: CategoryConnection,
	TypeConnectionLost:        CategoryConnection,
	TypePing:                  CategoryConnection,
	TypePong:                  CategoryConnection,

	TypeAuthenticate:          CategoryAuthentication,
	TypeAuthenticationSuccess: CategoryAuthentication,
	TypeAuthenticationFailed:  CategoryAuthentication,
	TypeTokenExpired:          CategoryAuthentication,

	TypeSubscribe:             CategorySubscription,
	TypeUnsubscribe:           CategorySubscription,
	TypeSubscriptionConfirmed: CategorySubscription,
	TypeSubscriptionFailed:    CategorySubscription,

	TypeInstanceStatusChanged: CategoryInstance,
	TypeInstanceCreated:       CategoryInstance,
	TypeInstanceDeleted:       CategoryInstance,
	TypeInstanceConnected:     CategoryInstance,
	TypeInstanceDisconnected:  CategoryInstance,
	TypeQRCodeGenerated:       CategoryInstance,

	TypeMessageReceived:  CategoryMessage,
	TypeMessageSent:      CategoryMessage,
	TypeMessageDelivered: CategoryMessage,
	TypeMessageRead:      CategoryMessage,
	TypeMessageFailed:    CategoryMessage,

	TypeAgentCreated:      CategoryAgent,
	TypeAgentUpdated:      CategoryAgent,
	TypeAgentDeleted:      CategoryAgent,
	TypeAgentMaterialized: CategoryAgent,
	TypeAgentResponse:     CategoryAgent,
	TypeAgentError:        CategoryAgent,

	TypeSystemStatus:      CategorySystem,
	TypeSystemError:       CategorySystem,
	TypeSystemMaintenance: CategorySystem,
	TypeRateLimitExceeded: CategorySystem,

	TypeUserActivity:  CategoryUser,
	TypeUserLoggedIn:  CategoryUser,
	TypeUserLoggedOut: CategoryUser,

	TypePerformanceMetrics: CategoryMonitoring,
	TypeHealthCheck:        CategoryMonitoring,
	TypeLogEntry:           CategoryMonitoring,
}

// CategoryOf maps an event type to its category. Types outside the
// catalog fall back to the system category.
func CategoryOf(t Type) Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return CategorySystem
}

// Known reports whether t is part of the closed catalog.
func Known(t Type) bool {
	_, ok := categories[t]
	return ok
}

// Types returns every type in the catalog. Order is unspecified.
func Types() []Type {
	out := make([]Type, 0, len(categories))
	for t := range categories {
		out = append(out, t)
	}
	return out
}

// Event is the unit of realtime traffic, used both for inbound control
// frames and outbound domain notifications. Events are ephemeral:
// constructed, dispatched, discarded.
type Event struct {
	Type         Type
	Data         map[string]any
	Timestamp    time.Time
	ConnectionID string
	UserID       string
	Priority     Priority
	Metadata     map[string]any
}

// New returns an event of the given type with a UTC timestamp and
// normal priority.
func New(t Type, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// Category derives the event's category from its type.
func (e *Event) Category() Category {
	return CategoryOf(e.Type)
}
