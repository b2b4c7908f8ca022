package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchServer(t *testing.T, matches []SearchMatch) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/search":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 1, body["top_k"])
			_ = json.NewEncoder(w).Encode(SearchResult{Matches: matches, FacesDetected: 1})
		case "/verify":
			_ = json.NewEncoder(w).Encode(VerifyResult{UserID: "S1", Verified: true, Similarity: 0.8})
		default:
			http.Error(w, "unknown", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIdentify_BestMatchAboveThreshold(t *testing.T) {
	srv := searchServer(t, []SearchMatch{
		{UserID: "S1", Similarity: 0.6},
		{UserID: "S2", Similarity: 0.8},
		{UserID: "", Similarity: 0.99},
	})
	c := New(srv.URL+"/", false)

	m, err := c.Identify(context.Background(), "https://cdn/x.jpg", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "S2", m.UserID)
	require.NoError(t, c.Health(context.Background()))
}

func TestIdentify_NoMatch(t *testing.T) {
	srv := searchServer(t, []SearchMatch{{UserID: "S1", Similarity: 0.3}})
	c := New(srv.URL, false)

	_, err := c.Identify(context.Background(), "https://cdn/x.jpg", 0.5)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestVerifyAndErrors(t *testing.T) {
	srv := searchServer(t, nil)
	c := New(srv.URL, false)

	v, err := c.Verify(context.Background(), "S1", "https://cdn/x.jpg")
	require.NoError(t, err)
	assert.True(t, v.Verified)

	_, err = c.Liveness(context.Background(), "https://cdn/x.jpg")
	assert.ErrorContains(t, err, "404")

	_, err = New("", false).Verify(context.Background(), "S1", "x")
	assert.Error(t, err)
}

func TestSkipMode(t *testing.T) {
	c := New("", true)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))
	m, err := c.Identify(ctx, "x", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "mock-user", m.UserID)

	l, err := c.Liveness(ctx, "x")
	require.NoError(t, err)
	assert.True(t, l.IsLive)

	e, err := c.Enroll(ctx, "S1", "x", "")
	require.NoError(t, err)
	assert.True(t, e.Success)
}
