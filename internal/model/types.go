package model

import "time"

type ServerStatus string

const (
	ServerOnline      ServerStatus = "online"
	ServerOffline     ServerStatus = "offline"
	ServerMaintenance ServerStatus = "maintenance"
)

type ServerTier string

const (
	TierStandard ServerTier = "standard"
	TierPremium  ServerTier = "premium"
	TierBusiness ServerTier = "business"
)

// tierRank orders tiers for entitlement checks: standard < premium < business.
var tierRank = map[ServerTier]int{
	TierStandard: 0,
	TierPremium:  1,
	TierBusiness: 2,
}

func (t ServerTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

type Server struct {
	ID          string
	Name        string
	Hostname    string
	Region      string
	CountryCode string
	Tier        ServerTier
	Protocol    string
	Port        int
	Status      ServerStatus
	Load        float64
	Capacity    int
	LastProbeAt *time.Time
}

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
	SessionError   SessionStatus = "error"
)

// Terminal reports whether a session status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionClosed || s == SessionError
}

type Session struct {
	ID             string
	UserID         string
	ServerID       string
	DeviceName     string
	DeviceType     string
	VirtualIP      string
	Status         SessionStatus
	CloseReason    string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       *time.Time
	BytesSent      int64
	BytesReceived  int64
}

var deviceTypes = map[string]bool{
	"windows": true,
	"macos":   true,
	"linux":   true,
	"android": true,
	"ios":     true,
}

func ValidDeviceType(t string) bool {
	return deviceTypes[t]
}

// ProbeResult is one fleet telemetry observation for a single server.
type ProbeResult struct {
	ServerID   string
	Status     ServerStatus
	Load       float64
	ObservedAt time.Time
}
