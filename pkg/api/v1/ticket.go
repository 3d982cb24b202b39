package v1

// TicketStatus represents the lifecycle state of a waitlist ticket
type TicketStatus string

const (
	TicketStatusQueued   TicketStatus = "queued"
	TicketStatusActive   TicketStatus = "active"
	TicketStatusFinished TicketStatus = "finished"
	TicketStatusExpired  TicketStatus = "expired"
)

// Terminal reports whether the status can no longer change
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusFinished || s == TicketStatusExpired
}

// Ticket is a durable claim on a (server, scope, id) resource. Tickets
// for the same server and scope form a FIFO queue in which at most one
// ticket is active at a time.
type Ticket struct {
	UUID      string                 `json:"uuid"`
	ServerID  string                 `json:"server_id"`
	Scope     string                 `json:"scope"`
	ID        string                 `json:"id"`
	Status    TicketStatus           `json:"status"`
	Action    string                 `json:"action,omitempty"`
	ReqID     string                 `json:"req_id,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	ExpiresAt Time                   `json:"expires_at"`
	CreatedAt Time                   `json:"created_at"`
	UpdatedAt Time                   `json:"updated_at"`
}

// CreatedTicket is the response body for ticket creation: the new
// ticket plus a snapshot of its queue taken right after creation,
// ordered oldest first.
type CreatedTicket struct {
	Ticket
	Queue []Ticket `json:"queue"`
}
