package vpn

import (
	"context"
	"fmt"
	"hash/fnv"
)

// FakeIssuer produces deterministic credentials without any network calls.
// The virtual IP is a stable function of the session ID so tests and local
// runs are reproducible.
type FakeIssuer struct{}

func NewFakeIssuer() *FakeIssuer {
	return &FakeIssuer{}
}

func (f *FakeIssuer) Issue(_ context.Context, req IssueRequest) (Credentials, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.SessionID))
	// Host part in 10.8.0.2-254, skipping the gateway and broadcast.
	tail := 2 + h.Sum32()%253
	ip := fmt.Sprintf("10.8.0.%d", tail)
	return Credentials{
		VirtualIP:    ip,
		ClientConfig: RenderClientConfig(req.Server, ClientID(req.UserID, req.DeviceName)),
	}, nil
}

func (f *FakeIssuer) Revoke(_ context.Context, _ RevokeRequest) error {
	return nil
}
