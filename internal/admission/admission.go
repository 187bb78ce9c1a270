// Package admission decides whether a user may open a new session on a
// candidate server. It is a pure read-then-decide check; the matching
// count-and-create critical section is the store's conditional insert.
package admission

import (
	"fmt"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

const (
	ReasonNoEntitlement  = "no active entitlement"
	ReasonTierNotAllowed = "server tier not allowed"
	ReasonLimitReached   = "limit reached"
	ReasonAllowed        = "connection allowed"
)

type Decision struct {
	Allowed      bool
	Reason       string
	CurrentCount int
	Limit        int
}

// Evaluate applies entitlement and limit checks for a new session on
// server. A nil or expired entitlement fails closed (limit 0). activeCount
// is the user's sessions in pending or active at the moment of the check.
func Evaluate(entitlement *model.Entitlement, activeCount int, server model.Server, now time.Time) Decision {
	if entitlement == nil || entitlement.Expired(now) {
		return Decision{Allowed: false, Reason: ReasonNoEntitlement, CurrentCount: activeCount}
	}
	if !entitlement.AllowsTier(server.Tier) {
		return Decision{
			Allowed:      false,
			Reason:       ReasonTierNotAllowed,
			CurrentCount: activeCount,
			Limit:        entitlement.Limit,
		}
	}
	if activeCount >= entitlement.Limit {
		return Decision{
			Allowed:      false,
			Reason:       ReasonLimitReached,
			CurrentCount: activeCount,
			Limit:        entitlement.Limit,
		}
	}
	return Decision{
		Allowed:      true,
		Reason:       ReasonAllowed,
		CurrentCount: activeCount,
		Limit:        entitlement.Limit,
	}
}

// Message renders the user-facing explanation for a decision.
func (d Decision) Message() string {
	switch d.Reason {
	case ReasonNoEntitlement:
		return "No active subscription. Please subscribe to use VPN services."
	case ReasonTierNotAllowed:
		return "Your plan does not include access to this server tier."
	case ReasonLimitReached:
		return fmt.Sprintf("Connection limit reached. Your plan allows %d simultaneous connections.", d.Limit)
	default:
		return d.Reason
	}
}
