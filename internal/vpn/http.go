package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPIssuer calls the node agent API on the VPN servers. Issue and Revoke
// are bounded by the configured timeout; the caller decides what a failure
// means for the session.
type HTTPIssuer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPIssuer(baseURL string, timeout time.Duration) (*HTTPIssuer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("issuer base URL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIssuer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type issueAPIRequest struct {
	ClientID       string `json:"client_id"`
	ServerID       string `json:"server_id"`
	ServerHostname string `json:"server_hostname"`
}

type issueAPIResponse struct {
	VirtualIP string `json:"virtual_ip"`
	Config    string `json:"config"`
}

func (h *HTTPIssuer) Issue(ctx context.Context, req IssueRequest) (Credentials, error) {
	body, err := json.Marshal(issueAPIRequest{
		ClientID:       ClientID(req.UserID, req.DeviceName),
		ServerID:       req.Server.ID,
		ServerHostname: req.Server.Hostname,
	})
	if err != nil {
		return Credentials{}, err
	}

	out, err := h.postIssue(ctx, body)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{VirtualIP: out.VirtualIP, ClientConfig: out.Config}
	if creds.ClientConfig == "" {
		creds.ClientConfig = RenderClientConfig(req.Server, ClientID(req.UserID, req.DeviceName))
	}
	return creds, nil
}

// postIssue retries once on transport errors and 5xx responses. Client
// creation on the node is keyed by client ID, so a duplicate request after
// a lost response is absorbed there.
func (h *HTTPIssuer) postIssue(ctx context.Context, body []byte) (issueAPIResponse, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(200 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return issueAPIResponse{}, ctx.Err()
			case <-timer.C:
			}
		}

		out, retryable, err := h.postIssueOnce(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable {
			return issueAPIResponse{}, err
		}
	}
	return issueAPIResponse{}, lastErr
}

func (h *HTTPIssuer) postIssueOnce(ctx context.Context, body []byte) (issueAPIResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/clients", bytes.NewReader(body))
	if err != nil {
		return issueAPIResponse{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return issueAPIResponse{}, true, fmt.Errorf("issue credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("issue credentials: node agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return issueAPIResponse{}, resp.StatusCode >= 500, err
	}

	var out issueAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return issueAPIResponse{}, false, fmt.Errorf("issue credentials: decode response: %w", err)
	}
	if out.VirtualIP == "" {
		return issueAPIResponse{}, false, fmt.Errorf("issue credentials: node agent returned no virtual ip")
	}
	return out, false, nil
}

func (h *HTTPIssuer) Revoke(ctx context.Context, req RevokeRequest) error {
	endpoint := h.baseURL + "/api/clients/" + url.PathEscape(ClientID(req.UserID, req.DeviceName))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("revoke credentials: %w", err)
	}
	defer resp.Body.Close()

	// A client the node no longer knows is already revoked.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke credentials: node agent returned %d", resp.StatusCode)
	}
	return nil
}
