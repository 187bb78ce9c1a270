package vpn

import (
	"fmt"
	"strings"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// RenderClientConfig builds an OpenVPN client profile for a server. The
// node agent returns the real profile with embedded certificates; this
// rendering is the fallback the fake issuer and tests use.
func RenderClientConfig(server model.Server, clientID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# VPN4U Client Configuration\n")
	fmt.Fprintf(&b, "# Generated for client: %s\n", clientID)
	fmt.Fprintf(&b, "# Server: %s (%s)\n\n", server.Name, server.Hostname)
	b.WriteString("client\n")
	b.WriteString("dev tun\n")
	b.WriteString("proto udp\n")
	fmt.Fprintf(&b, "remote %s %d\n", server.Hostname, server.Port)
	b.WriteString("resolv-retry infinite\n")
	b.WriteString("nobind\n")
	b.WriteString("persist-key\n")
	b.WriteString("persist-tun\n")
	b.WriteString("remote-cert-tls server\n")
	b.WriteString("cipher AES-256-GCM\n")
	b.WriteString("auth SHA256\n")
	b.WriteString("verb 3\n")
	b.WriteString("auth-user-pass\n")
	return b.String()
}
