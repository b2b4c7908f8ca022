package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoMatch is returned by Identify when no enrolled face clears the threshold.
var ErrNoMatch = errors.New("face not recognized")

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	PoseYaw   float64 `json:"pose_yaw"`
	PosePitch float64 `json:"pose_pitch"`
	PoseRoll  float64 `json:"pose_roll"`
	FaceSize  int     `json:"face_size"`
	IsFrontal bool    `json:"is_frontal"`
}

// EnrollResult contains face enrollment response.
type EnrollResult struct {
	UserID  string       `json:"user_id"`
	Success bool         `json:"success"`
	Quality *FaceQuality `json:"quality"`
	Message string       `json:"message"`
}

// SearchMatch represents a face match from gallery search.
type SearchMatch struct {
	UserID     string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
	Name       string  `json:"name,omitempty"`
}

// SearchResult contains 1:N search results.
type SearchResult struct {
	Matches       []SearchMatch `json:"matches"`
	FacesDetected int           `json:"faces_detected"`
	Quality       *FaceQuality  `json:"quality"`
}

// VerifyResult contains 1:1 verification result.
type VerifyResult struct {
	UserID     string       `json:"user_id"`
	Verified   bool         `json:"verified"`
	Similarity float64      `json:"similarity"`
	Threshold  float64      `json:"threshold"`
	Quality    *FaceQuality `json:"quality"`
}

// LivenessResult contains anti-spoofing check result.
type LivenessResult struct {
	IsLive     bool                   `json:"is_live"`
	Confidence float64                `json:"confidence"`
	Checks     map[string]interface{} `json:"checks"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// Enroll adds a participant's face to the recognition gallery.
func (c *Client) Enroll(ctx context.Context, userID, imageURL, name string) (*EnrollResult, error) {
	if c.Skip {
		return &EnrollResult{
			UserID:  userID,
			Success: true,
			Quality: &FaceQuality{Score: 0.85, IsFrontal: true},
			Message: "Face enrolled (mock)",
		}, nil
	}
	payload := map[string]interface{}{
		"user_id":   userID,
		"image_url": imageURL,
	}
	if name != "" {
		payload["name"] = name
	}
	var out EnrollResult
	if err := c.post(ctx, "/enroll", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search performs 1:N face identification against the enrolled gallery.
func (c *Client) Search(ctx context.Context, imageURL string, topK int, threshold float64) (*SearchResult, error) {
	if c.Skip {
		return &SearchResult{
			Matches:       []SearchMatch{{UserID: "mock-user", Similarity: 0.92, Name: "Mock User"}},
			FacesDetected: 1,
			Quality:       &FaceQuality{Score: 0.85, IsFrontal: true},
		}, nil
	}
	payload := map[string]interface{}{
		"image_url": imageURL,
		"top_k":     topK,
	}
	if threshold > 0 {
		payload["threshold"] = threshold
	}
	var out SearchResult
	if err := c.post(ctx, "/search", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Identify returns the best gallery match at or above threshold.
func (c *Client) Identify(ctx context.Context, imageURL string, threshold float64) (SearchMatch, error) {
	res, err := c.Search(ctx, imageURL, 1, threshold)
	if err != nil {
		return SearchMatch{}, err
	}
	var best SearchMatch
	for _, m := range res.Matches {
		if m.UserID != "" && m.Similarity >= threshold && m.Similarity > best.Similarity {
			best = m
		}
	}
	if best.UserID == "" {
		return SearchMatch{}, ErrNoMatch
	}
	return best, nil
}

// Verify performs 1:1 face verification against a specific enrolled user.
func (c *Client) Verify(ctx context.Context, userID, imageURL string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{
			UserID:     userID,
			Verified:   true,
			Similarity: 0.92,
			Threshold:  0.45,
			Quality:    &FaceQuality{Score: 0.85, IsFrontal: true},
		}, nil
	}
	var out VerifyResult
	if err := c.post(ctx, "/verify", map[string]string{"user_id": userID, "image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Liveness checks if the face image is from a live person (anti-spoofing).
func (c *Client) Liveness(ctx context.Context, imageURL string) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{
			IsLive:     true,
			Confidence: 0.85,
			Checks:     map[string]interface{}{"mock": true},
		}, nil
	}
	var out LivenessResult
	if err := c.post(ctx, "/liveness", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("face service url not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
