// Package backend is the HTTP client for the ISP operations backend: the
// customer database, the billing system and the field-dispatch queue. It
// implements the collaborator interfaces consumed by the tools and wizard
// packages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/tools"
	"github.com/abiroot/ispbot/internal/wizard"
)

// ErrNotFound means the requested account or resource does not exist, or is
// not visible to the acting user.
var ErrNotFound = errors.New("backend: not found")

// DefaultTimeout bounds one backend round trip.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps decoded response bodies.
const maxResponseBytes = 1 << 20

// Config assembles a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the operations backend. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  log.Logger
}

// Interface checks: the client is consumed through these.
var (
	_ tools.CustomerAPI = (*Client)(nil)
	_ tools.BillingAPI  = (*Client)(nil)
	_ wizard.Dispatcher = (*Client)(nil)
)

// New validates the configuration and creates a Client.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("backend: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

// Lookup fetches a customer record visible to ownerID.
func (c *Client) Lookup(ctx context.Context, ownerID, account string) (*tools.Customer, error) {
	var customer tools.Customer
	path := "/v1/customers/" + url.PathEscape(account)
	if err := c.do(ctx, http.MethodGet, path, ownerID, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// Balance fetches the billing position of an account.
func (c *Client) Balance(ctx context.Context, ownerID, account string) (*tools.Balance, error) {
	var balance tools.Balance
	path := "/v1/customers/" + url.PathEscape(account) + "/balance"
	if err := c.do(ctx, http.MethodGet, path, ownerID, nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// PaymentLink asks the billing system for a one-time payment URL.
func (c *Client) PaymentLink(ctx context.Context, ownerID, account string) (string, int, error) {
	var resp struct {
		URL          string `json:"url"`
		ExpiresHours int    `json:"expiresHours"`
	}
	path := "/v1/customers/" + url.PathEscape(account) + "/payment-link"
	if err := c.do(ctx, http.MethodPost, path, ownerID, struct{}{}, &resp); err != nil {
		return "", 0, err
	}
	if resp.URL == "" {
		return "", 0, errors.New("backend: empty payment link in response")
	}
	return resp.URL, resp.ExpiresHours, nil
}

// Dispatch files a completed support ticket and returns its identifier.
func (c *Client) Dispatch(ctx context.Context, contextID string, ticket wizard.Ticket) (string, error) {
	req := struct {
		wizard.Ticket
		ContextID string `json:"contextId"`
	}{Ticket: ticket, ContextID: contextID}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tickets", "", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("backend: empty ticket id in response")
	}

	c.logger.Info("ticket dispatched", "ticket_id", resp.ID, "worker", ticket.Worker)
	return resp.ID, nil
}

// do performs one JSON round trip. ownerID, when set, travels in the
// X-On-Behalf-Of header so the backend can enforce per-user visibility.
func (c *Client) do(ctx context.Context, method, path, ownerID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ownerID != "" {
		req.Header.Set("X-On-Behalf-Of", ownerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("backend: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("backend: decoding response: %w", err)
	}
	return nil
}
