package v1

// ServerStatus represents the reachability of a server's agent
type ServerStatus string

const (
	ServerStatusRunning ServerStatus = "running"
	ServerStatusUnknown ServerStatus = "unknown"
)

// Server represents one compute node in the fleet inventory
type Server struct {
	UUID          string                 `json:"uuid"`
	Hostname      string                 `json:"hostname"`
	Status        ServerStatus           `json:"status"`
	Setup         bool                   `json:"setup"`
	RAMMB         int64                  `json:"ram_mb,omitempty"`
	CPUCores      int                    `json:"cpu_cores,omitempty"`
	Sysinfo       map[string]interface{} `json:"sysinfo,omitempty"`
	LastHeartbeat *Time                  `json:"last_heartbeat,omitempty"`
	CreatedAt     Time                   `json:"created_at"`
	UpdatedAt     Time                   `json:"updated_at"`
}
