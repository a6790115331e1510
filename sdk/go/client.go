// Package genesissdk is a minimal client for the Genesis HTTP API.
package genesissdk

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

// Client talks to a running gn serve instance. Reads work unauthenticated;
// actions need a BearerToken whose subject is the acting citizen's id.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// Citizen mirrors the API citizen model.
type Citizen struct {
	ID          string `json:"id"`
	Balance     int    `json:"balance"`
	TotalEarned int    `json:"total_earned"`
	TotalSpent  int    `json:"total_spent"`
	Status      string `json:"status"`
}

// TreasuryStatus mirrors the API treasury view.
type TreasuryStatus struct {
	Balance        int     `json:"balance"`
	ExternalIncome int     `json:"external_income"`
	TotalSpent     int     `json:"total_spent"`
	DaysLeft       float64 `json:"days_left"`
	Healthy        bool    `json:"healthy"`
}

// WorldStatus is the top-level world view.
type WorldStatus struct {
	Day            int            `json:"day"`
	Status         string         `json:"status"`
	ActiveCitizens int            `json:"active_citizens"`
	Treasury       TreasuryStatus `json:"treasury"`
}

// Need mirrors the API need model (partial).
type Need struct {
	ID       string  `json:"id"`
	Day      int     `json:"day"`
	Title    string  `json:"title"`
	Reward   int     `json:"reward"`
	Status   string  `json:"status"`
	WinnerID *string `json:"winner_id,omitempty"`
	External bool    `json:"external"`
}

// PlazaMessage mirrors a plaza entry.
type PlazaMessage struct {
	ID        int64  `json:"id"`
	CitizenID string `json:"citizen_id"`
	Content   string `json:"content"`
	Day       int    `json:"day"`
	TS        string `json:"ts"`
}

// ChronicleEntry mirrors a chronicle event.
type ChronicleEntry struct {
	ID          int64  `json:"id"`
	Day         int    `json:"day"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CitizenID   string `json:"citizen_id,omitempty"`
	TS          string `json:"ts"`
}

// PayResult reports balances after a transfer.
type PayResult struct {
	SenderBalance   int `json:"sender_balance"`
	ReceiverBalance int `json:"receiver_balance"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the world status.
func (c *Client) Status(ctx context.Context) (WorldStatus, error) {
	var resp WorldStatus
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Citizens lists all citizens.
func (c *Client) Citizens(ctx context.Context) ([]Citizen, error) {
	var resp []Citizen
	err := c.do(ctx, http.MethodGet, "v0/citizens", nil, &resp)
	return resp, err
}

// Citizen fetches one citizen.
func (c *Client) Citizen(ctx context.Context, id string) (Citizen, error) {
	var resp Citizen
	err := c.do(ctx, http.MethodGet, "v0/citizens/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Treasury returns the treasury status.
func (c *Client) Treasury(ctx context.Context) (TreasuryStatus, error) {
	var resp TreasuryStatus
	err := c.do(ctx, http.MethodGet, "v0/treasury", nil, &resp)
	return resp, err
}

// OpenNeeds lists open needs, optionally for a specific day.
func (c *Client) OpenNeeds(ctx context.Context, day int) ([]Need, error) {
	endpoint := "v0/needs"
	if day > 0 {
		endpoint = fmt.Sprintf("%s?day=%d", endpoint, day)
	}
	var resp []Need
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Plaza returns the latest plaza messages.
func (c *Client) Plaza(ctx context.Context, limit int) ([]PlazaMessage, error) {
	endpoint := "v0/plaza"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []PlazaMessage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Chronicle returns the latest chronicle events.
func (c *Client) Chronicle(ctx context.Context, limit int) ([]ChronicleEntry, error) {
	endpoint := "v0/chronicle"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ChronicleEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Speak posts a plaza message as the authenticated citizen.
func (c *Client) Speak(ctx context.Context, content string) (PlazaMessage, error) {
	var resp PlazaMessage
	err := c.do(ctx, http.MethodPost, "v0/speak", map[string]any{"content": content}, &resp)
	return resp, err
}

// Pay transfers tokens to another citizen.
func (c *Client) Pay(ctx context.Context, to string, amount int, reason string) (PayResult, error) {
	body := map[string]any{"to": to, "amount": amount}
	if reason != "" {
		body["reason"] = reason
	}
	var resp PayResult
	err := c.do(ctx, http.MethodPost, "v0/pay", body, &resp)
	return resp, err
}

// Submit sends work on an open need.
func (c *Client) Submit(ctx context.Context, needID, content string) error {
	endpoint := fmt.Sprintf("v0/needs/%s/submissions", url.PathEscape(needID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"content": content}, nil)
}

// Vote backs a submission on a need.
func (c *Client) Vote(ctx context.Context, needID, candidate string) error {
	endpoint := fmt.Sprintf("v0/needs/%s/votes", url.PathEscape(needID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"candidate": candidate}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
