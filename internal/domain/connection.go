package domain

import "time"

type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleMaster          Role = "master"
	RoleSlave           Role = "slave"
)

// RoleForAccount maps the configured account type onto a connection role.
func RoleForAccount(t AccountType) Role {
	switch t {
	case AccountTypeMaster:
		return RoleMaster
	case AccountTypeSlave:
		return RoleSlave
	}
	return RoleUnauthenticated
}

// Transport is one live EA session. Send must be safe for concurrent use.
type Transport interface {
	Send(msg *OutboundMessage) error
	Close() error
	RemoteAddr() string
}

// Connection is one live transport session.
// AccountID is set iff Authenticated is true.
type Connection struct {
	ID                string
	Role              Role
	AccountID         string
	UserID            string
	AccountNumber     string
	PlatformCode      string
	Authenticated     bool
	LastHeartbeatAt   time.Time
	ConnectedAt       time.Time
	ObservedLatencyMs int

	Transport Transport `json:"-"`
}

// ConnectionStats is a read-only aggregate of the registry.
type ConnectionStats struct {
	Total              int          `json:"total"`
	ByRole             map[Role]int `json:"by_role"`
	AuthenticatedCount int          `json:"authenticated_count"`
	AvgLatencyMs       float64      `json:"avg_latency_ms"`
}
