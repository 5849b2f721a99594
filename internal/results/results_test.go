package results

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/internal/middleware"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/response"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case **string:
			*p = r.values[i].(*string)
		case *int:
			*p = r.values[i].(int)
		case **time.Time:
			*p = r.values[i].(*time.Time)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

func TestScanResultDecodesJSONColumns(t *testing.T) {
	id := uuid.New()
	url := "https://bucket.s3.amazonaws.com/t.json"
	ended := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := fakeRow{values: []interface{}{
		id, "s1", "u1", "Software Engineer", "senior", "text",
		[]byte(`{"summary":"ok"}`), []byte(`[{"speaker":"ai","text":"Hello","final":true}]`),
		&url, 2, (*time.Time)(nil), ended, ended,
	}}

	res, err := scanResult(row)
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, models.DifficultySenior, res.Difficulty)
	assert.Equal(t, models.ModeText, res.Mode)
	assert.JSONEq(t, `{"summary":"ok"}`, string(res.Feedback))
	require.Len(t, res.Transcript, 1)
	assert.Equal(t, "Hello", res.Transcript[0].Text)
	assert.Equal(t, &url, res.TranscriptURL)
}

func TestScanResultPropagatesError(t *testing.T) {
	_, err := scanResult(fakeRow{err: errors.New("boom")})
	assert.Error(t, err)
}

type fakeReader struct {
	results map[string]*models.InterviewResult
	err     error
}

func (f *fakeReader) GetBySession(_ context.Context, id string) (*models.InterviewResult, error) {
	return f.results[id], f.err
}

func (f *fakeReader) ListByUser(_ context.Context, userID string, _ int) ([]models.InterviewResult, error) {
	var out []models.InterviewResult
	for _, r := range f.results {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, f.err
}

func newRouter(t *testing.T, store Reader) (*gin.Engine, *auth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwt := auth.NewJWTService("secret", 1)
	h := NewHandler(store, nil)
	r := gin.New()
	api := r.Group("/api", middleware.JWT(jwt))
	api.GET("/results", h.ListMine)
	api.GET("/results/:sessionId", h.GetBySession)
	return r, jwt
}

func get(t *testing.T, r *gin.Engine, jwt *auth.JWTService, path, userID, role string) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	tok, err := jwt.Generate(userID, "", role)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env response.Body
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandlerOwnerOnly(t *testing.T) {
	store := &fakeReader{results: map[string]*models.InterviewResult{
		"s1": {SessionID: "s1", UserID: "u1", Feedback: json.RawMessage(`{}`)},
	}}
	r, jwt := newRouter(t, store)

	w, _ := get(t, r, jwt, "/api/results/s1", "u1", auth.RoleCandidate)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = get(t, r, jwt, "/api/results/s1", "u2", auth.RoleCandidate)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = get(t, r, jwt, "/api/results/s1", "admin", auth.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = get(t, r, jwt, "/api/results/missing", "u1", auth.RoleCandidate)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerListMine(t *testing.T) {
	store := &fakeReader{results: map[string]*models.InterviewResult{
		"s1": {SessionID: "s1", UserID: "u1", Feedback: json.RawMessage(`{}`)},
		"s2": {SessionID: "s2", UserID: "u2", Feedback: json.RawMessage(`{}`)},
	}}
	r, jwt := newRouter(t, store)

	w, env := get(t, r, jwt, "/api/results", "u1", auth.RoleCandidate)
	require.Equal(t, http.StatusOK, w.Code)
	list, ok := env.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	w, env = get(t, r, jwt, "/api/results", "nobody", auth.RoleCandidate)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, env.Data)
}

func TestHandlerStoreError(t *testing.T) {
	r, jwt := newRouter(t, &fakeReader{err: errors.New("db down")})
	w, _ := get(t, r, jwt, "/api/results/s1", "u1", auth.RoleCandidate)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
