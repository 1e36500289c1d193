package event

import "time"

// Factory helpers for the domain events produced outside the realtime
// subsystem (instance lifecycle, message pipeline, agent pipeline,
// metrics collector). They fix the payload shape and the priority rules:
// error-carrying events are high priority, system errors critical.

// NewInstanceEvent builds a WhatsApp-instance lifecycle event.
func NewInstanceEvent(t Type, instanceID, instanceName, status string, opts map[string]any) *Event {
	data := map[string]any{
		"instance_id":   instanceID,
		"instance_name": instanceName,
		"status":        status,
	}
	for k, v := range opts {
		data[k] = v
	}

	ev := New(t, data)
	if _, failed := data["error"]; failed {
		ev.Priority = PriorityHigh
	}
	return ev
}

// NewMessageEvent builds a messaging-pipeline event.
func NewMessageEvent(t Type, messageID, instanceID, from, content string, opts map[string]any) *Event {
	data := map[string]any{
		"message_id":   messageID,
		"instance_id":  instanceID,
		"from_number":  from,
		"content":      content,
		"message_type": "text",
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range opts {
		data[k] = v
	}

	ev := New(t, data)
	if _, failed := data["error"]; failed {
		ev.Priority = PriorityHigh
	}
	return ev
}

// NewAgentEvent builds an agent-pipeline event.
func NewAgentEvent(t Type, agentID, agentName, action, status string, opts map[string]any) *Event {
	data := map[string]any{
		"agent_id":   agentID,
		"agent_name": agentName,
		"action":     action,
		"status":     status,
	}
	for k, v := range opts {
		data[k] = v
	}

	ev := New(t, data)
	if _, failed := data["error"]; failed {
		ev.Priority = PriorityHigh
	}
	return ev
}

// NewSystemEvent builds a system event. Events carrying an error are
// critical.
func NewSystemEvent(t Type, component, status, message string, opts map[string]any) *Event {
	data := map[string]any{
		"component": component,
		"status":    status,
		"message":   message,
	}
	for k, v := range opts {
		data[k] = v
	}

	ev := New(t, data)
	if _, failed := data["error"]; failed {
		ev.Priority = PriorityCritical
	}
	return ev
}

// NewAuthResultEvent builds an authentication outcome event. Both
// outcomes are high priority.
func NewAuthResultEvent(success bool, userID, username, errMsg string) *Event {
	t := TypeAuthenticationSuccess
	data := map[string]any{}
	if success {
		data["user_id"] = userID
		data["username"] = username
	} else {
		t = TypeAuthenticationFailed
		data["error"] = errMsg
	}

	ev := New(t, data)
	ev.UserID = userID
	ev.Priority = PriorityHigh
	return ev
}

// NewPerformanceEvent builds a low-priority performance_metrics event.
func NewPerformanceEvent(cpuPercent, memPercent float64, activeConnections int, eventsPerSecond, avgProcessingMs float64) *Event {
	ev := New(TypePerformanceMetrics, map[string]any{
		"cpu_usage":          cpuPercent,
		"memory_usage":       memPercent,
		"active_connections": activeConnections,
		"events_per_second":  eventsPerSecond,
		"processing_avg_ms":  avgProcessingMs,
	})
	ev.Priority = PriorityLow
	return ev
}
