package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventattend/internal/attendance"
	"eventattend/internal/attendance/memstore"
	"eventattend/internal/auth"
	"eventattend/internal/cloudinary"
	"eventattend/internal/faceclient"
)

const (
	testIssuer = "test-issuer"
	testKey    = "test-key"
)

type fakeUploader struct {
	err   error
	calls int
}

func (f *fakeUploader) UploadBytes(_ context.Context, data []byte, filename string) (*cloudinary.UploadResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://cdn/" + filename, Bytes: len(data)}, nil
}

func (f *fakeUploader) UploadBase64(_ context.Context, data string) (*cloudinary.UploadResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://cdn/b64"}, nil
}

type fakeFace struct {
	match    faceclient.SearchMatch
	matchErr error
	verified bool
}

func (f *fakeFace) Identify(context.Context, string, float64) (faceclient.SearchMatch, error) {
	return f.match, f.matchErr
}

func (f *fakeFace) Verify(_ context.Context, userID, _ string) (*faceclient.VerifyResult, error) {
	return &faceclient.VerifyResult{UserID: userID, Verified: f.verified, Similarity: 0.3}, nil
}

func (f *fakeFace) Enroll(_ context.Context, userID, _, _ string) (*faceclient.EnrollResult, error) {
	return &faceclient.EnrollResult{UserID: userID, Success: true}, nil
}

type fixture struct {
	engine   *gin.Engine
	store    *memstore.Store
	recorder *attendance.Recorder
	uploader *fakeUploader
	face     *fakeFace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		store:    memstore.New(),
		uploader: &fakeUploader{},
		face:     &fakeFace{match: faceclient.SearchMatch{UserID: "S7", Similarity: 0.9}, verified: true},
	}
	f.recorder = attendance.NewRecorder(f.store)
	h := New(Deps{
		Recorder:       f.recorder,
		Uploader:       f.uploader,
		Face:           f.face,
		Tokens:         TokenConfig{Issuer: testIssuer, SigningKey: testKey, AccessTTL: time.Minute, RefreshTTL: time.Hour},
		MatchThreshold: 0.5,
		Health:         map[string]HealthCheck{"store": func(context.Context) bool { return true }},
	})
	f.engine = gin.New()
	h.Register(f.engine)
	return f
}

func token(t *testing.T, role string) string {
	t.Helper()
	pair, err := auth.Issue("user-1", role, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	return pair.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, role string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec, decode(t, rec)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return out
}

func sessionState(body map[string]any) string {
	s, _ := body["session"].(map[string]any)
	state, _ := s["state"].(string)
	return state
}

func TestManualLifecycle(t *testing.T) {
	f := newFixture(t)
	path := "/v1/events/E1/manual"
	req := map[string]string{"participant_key": "S1", "note": "late bus"}

	for _, want := range []string{"timed_in", "checkpointed", "completed"} {
		rec, body := f.do(t, http.MethodPost, path, auth.RoleOrganizer, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, want, sessionState(body))
	}

	rec, body := f.do(t, http.MethodPost, path, auth.RoleOrganizer, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "completed", sessionState(body))
}

func TestManualMissingParticipant(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/manual", auth.RoleSSG, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Fail = func(attendance.Transition, attendance.Key) error { return errors.New("db down") }

	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/manual", auth.RoleAdmin, map[string]string{"participant_key": "S3"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/v1/events/E1/active", auth.RoleStudent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["sessions"])
}

func TestRoleGuards(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/manual", "", map[string]string{"participant_key": "S1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/events/E1/manual", auth.RoleStudent, map[string]string{"participant_key": "S1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/events/E1/active", auth.RoleStudent, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/devices/register", auth.RoleDevice, map[string]string{"device_id": "kiosk-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterDeviceIssuesDeviceToken(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/devices/register", auth.RoleAdmin, map[string]string{"device_id": "kiosk-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	claims, err := auth.Parse(body["access_token"].(string), testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDevice, claims.Role)
	assert.Equal(t, "kiosk-1", claims.Subject)
}

func TestRefreshDevice(t *testing.T) {
	f := newFixture(t)
	pair, err := auth.Issue("kiosk-1", auth.RoleDevice, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/E1/active", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/devices/refresh", "", map[string]string{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/v1/devices/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusCreated, rec.Code)
	claims, err := auth.ParseAs(body["access_token"].(string), testKey, testIssuer, auth.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.Subject)
	assert.Equal(t, auth.RoleDevice, claims.Role)
}

func TestScanWithoutEvidence(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/scan", auth.RoleDevice, map[string]string{"participant_key": "S2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, ok := f.recorder.Session("S2", "E1")
	assert.False(t, ok)
}

func TestScanIdentifiesParticipant(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/events/E1/scan", auth.RoleDevice, map[string]string{"data": "data:image/jpeg;base64,AAAA"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "timed_in", sessionState(body))

	snap, ok := f.recorder.Session("S7", "E1")
	require.True(t, ok)
	assert.Equal(t, "https://cdn/b64", snap.Evidence)
	assert.Equal(t, 1, f.uploader.calls)
}

func TestScanUnrecognizedFace(t *testing.T) {
	f := newFixture(t)
	f.face.matchErr = faceclient.ErrNoMatch
	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/scan", auth.RoleDevice, map[string]string{"evidence_url": "https://cdn/x.jpg"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.recorder.ActiveSessions("E1"))
}

func TestScanVerifyMismatch(t *testing.T) {
	f := newFixture(t)
	f.face.verified = false
	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/scan", auth.RoleDevice,
		map[string]string{"participant_key": "S1", "evidence_url": "https://cdn/x.jpg"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, ok := f.recorder.Session("S1", "E1")
	assert.False(t, ok)
}

func TestScanUploadFailureIsNoop(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = errors.New("cdn down")
	rec, _ := f.do(t, http.MethodPost, "/v1/events/E1/scan", auth.RoleDevice,
		map[string]string{"participant_key": "S1", "data": "data:image/jpeg;base64,AAAA"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	_, ok := f.recorder.Session("S1", "E1")
	assert.False(t, ok)
}

func TestScanMultipart(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("participant_key", "S8"))
	part, err := w.CreateFormFile("image", "face.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/events/E1/scan", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleSSG))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap, ok := f.recorder.Session("S8", "E1")
	require.True(t, ok)
	assert.Equal(t, "https://cdn/face.jpg", snap.Evidence)
}

func TestSelectionHydratesAndReleases(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.PersistTimeIn(context.Background(), "S1", "E1", time.Now().UTC(), "", "")
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPut, "/v1/events/E1/selection", auth.RoleOrganizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["sessions"])

	rec, body = f.do(t, http.MethodGet, "/v1/events/E1/sessions/S1", auth.RoleStudent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "timed_in", sessionState(body))

	rec, _ = f.do(t, http.MethodDelete, "/v1/events/E1/selection", auth.RoleOrganizer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/events/E1/sessions/S1", auth.RoleStudent, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsWithoutHistory(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/v1/events/E1/sessions", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestEnrollFace(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/participants/S1/face", auth.RoleOrganizer, map[string]string{"image_url": "https://cdn/ref.jpg"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "S1", body["user_id"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["store"])
}
