// Package events provides event types and subject helpers for the cnapi
// event system.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskProgress  = "task.progress"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskExpired   = "task.expired"
)

// Event types for waitlist tickets
const (
	TicketCreated  = "ticket.created"
	TicketActive   = "ticket.active"
	TicketFinished = "ticket.finished"
	TicketExpired  = "ticket.expired"
	TicketDeleted  = "ticket.deleted"
)

// Event types for servers
const (
	ServerRegistered    = "server.registered"
	ServerHeartbeat     = "server.heartbeat"
	ServerStatusChanged = "server.status_changed"
)

// Bus subject roots. Agent-facing subjects live under cnapi.agent and
// cnapi.heartbeat; observer events fan out under cnapi.events.
const (
	AgentSubjectBase     = "cnapi.agent"
	HeartbeatSubjectBase = "cnapi.heartbeat"
	ObserverSubjectBase  = "cnapi.events"

	TaskProgressSubject = "cnapi.task.progress"
	TaskTerminalSubject = "cnapi.task.terminal"
)

// BuildDispatchSubject creates the dispatch subject a server's agent
// listens on
func BuildDispatchSubject(serverID string) string {
	return AgentSubjectBase + "." + serverID + ".dispatch"
}

// BuildCancelSubject creates the cancel subject for a server's agent
func BuildCancelSubject(serverID string) string {
	return AgentSubjectBase + "." + serverID + ".cancel"
}

// BuildHeartbeatSubject creates the heartbeat subject for a server
func BuildHeartbeatSubject(serverID string) string {
	return HeartbeatSubjectBase + "." + serverID
}

// BuildHeartbeatWildcardSubject creates a wildcard subscription for all
// server heartbeats
func BuildHeartbeatWildcardSubject() string {
	return HeartbeatSubjectBase + ".*"
}

// BuildObserverSubject creates the observer subject for an event type
func BuildObserverSubject(eventType string) string {
	return ObserverSubjectBase + "." + eventType
}

// BuildObserverWildcardSubject creates a wildcard subscription for all
// observer events
func BuildObserverWildcardSubject() string {
	return ObserverSubjectBase + ".>"
}
