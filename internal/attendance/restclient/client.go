// Package restclient persists attendance through the dashboards' REST backend.
package restclient

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

	"eventattend/internal/attendance"
)

// Client calls the attendance endpoints of the external backend.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client; timeout bounds every call.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Body)
}

type markRequest struct {
	ParticipantKey string    `json:"participant_key"`
	Timestamp      time.Time `json:"timestamp"`
	Notes          string    `json:"notes,omitempty"`
	Evidence       string    `json:"evidence,omitempty"`
}

// PersistTimeIn posts the time-in and returns the backend record id.
func (c *Client) PersistTimeIn(ctx context.Context, participantKey, eventKey string, at time.Time, notes, evidence string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.eventPath(eventKey, "time-in"), markRequest{
		ParticipantKey: participantKey,
		Timestamp:      at,
		Notes:          notes,
		Evidence:       evidence,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// PersistCheckpoint posts the checkpoint.
func (c *Client) PersistCheckpoint(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return c.do(ctx, http.MethodPost, c.eventPath(eventKey, "checkpoint"), markRequest{
		ParticipantKey: participantKey,
		Timestamp:      at,
		Evidence:       evidence,
	}, nil)
}

// PersistTimeOut posts the time-out.
func (c *Client) PersistTimeOut(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return c.do(ctx, http.MethodPost, c.eventPath(eventKey, "time-out"), markRequest{
		ParticipantKey: participantKey,
		Timestamp:      at,
		Evidence:       evidence,
	}, nil)
}

// ListActive fetches the event's active attendance.
func (c *Client) ListActive(ctx context.Context, eventKey string) ([]attendance.Snapshot, error) {
	var out struct {
		Sessions []attendance.Snapshot `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, c.eventPath(eventKey, "active"), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) eventPath(eventKey, action string) string {
	return c.BaseURL + "/attendance/events/" + url.PathEscape(eventKey) + "/" + action
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
