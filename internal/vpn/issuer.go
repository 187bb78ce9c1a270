// Package vpn talks to the VPN node agents that mint and revoke client
// credentials. The control plane treats issuance as a fallible network
// call: every request carries a timeout and a failed issuance rolls the
// session back rather than leaving it half-created.
package vpn

import (
	"context"
	"strings"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

type IssueRequest struct {
	SessionID  string
	UserID     string
	DeviceName string
	Server     model.Server
}

type Credentials struct {
	VirtualIP    string
	ClientConfig string
}

type RevokeRequest struct {
	SessionID  string
	UserID     string
	DeviceName string
	Server     model.Server
}

type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (Credentials, error)
	Revoke(ctx context.Context, req RevokeRequest) error
}

// ClientID derives the identifier a VPN node knows a client by. It must be
// stable across issue and revoke for the same user and device.
func ClientID(userID, deviceName string) string {
	return "user" + userID + "_" + slug(deviceName)
}

func slug(v string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
