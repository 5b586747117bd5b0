// Package backend is the REST client for camera registration and PIN
// issuance, plus the token vault the signaling layer draws credentials
// from.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the /cameras/* REST namespace.
type Client struct {
	baseURL string
	httpc   *http.Client
	vault   TokenVault
	log     *slog.Logger
}

// NewClient creates a backend client. vault may be nil for endpoints that
// need no authentication.
func NewClient(baseURL string, vault TokenVault, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		vault:   vault,
		log:     log,
	}
}

// RegisterCameraResponse is the result of a camera registration.
type RegisterCameraResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// PINResponse is an issued pairing PIN.
type PINResponse struct {
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ClaimResponse is the result of redeeming a pairing PIN.
type ClaimResponse struct {
	CameraID string `json:"cameraId"`
	Token    string `json:"token"`
}

// RegisterCamera creates a camera record and stores the issued token in
// the vault.
func (c *Client) RegisterCamera(ctx context.Context, name string) (*RegisterCameraResponse, error) {
	var out RegisterCameraResponse
	err := c.do(ctx, http.MethodPost, "/cameras/register",
		map[string]string{"name": name}, &out, false)
	if err != nil {
		return nil, fmt.Errorf("register camera: %w", err)
	}
	if c.vault != nil && out.Token != "" {
		if err := c.vault.Store(out.Token); err != nil {
			return nil, fmt.Errorf("register camera: %w", err)
		}
	}
	return &out, nil
}

// IssuePIN requests a pairing PIN for a camera. Requires a stored token.
func (c *Client) IssuePIN(ctx context.Context, cameraID string) (*PINResponse, error) {
	var out PINResponse
	err := c.do(ctx, http.MethodPost, "/cameras/"+cameraID+"/pin", nil, &out, true)
	if err != nil {
		return nil, fmt.Errorf("issue pin: %w", err)
	}
	return &out, nil
}

// ClaimPIN redeems a pairing PIN for viewer credentials and stores the
// issued token in the vault.
func (c *Client) ClaimPIN(ctx context.Context, pin string) (*ClaimResponse, error) {
	var out ClaimResponse
	err := c.do(ctx, http.MethodPost, "/cameras/claim",
		map[string]string{"pin": pin}, &out, false)
	if err != nil {
		return nil, fmt.Errorf("claim pin: %w", err)
	}
	if c.vault != nil && out.Token != "" {
		if err := c.vault.Store(out.Token); err != nil {
			return nil, fmt.Errorf("claim pin: %w", err)
		}
	}
	return &out, nil
}

// Health probes the backend. The transport runs this as its pre-flight
// check before dialing.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, false); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		if c.vault == nil {
			return fmt.Errorf("%s %s: no token vault configured", method, path)
		}
		token, err := c.vault.AccessToken()
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
