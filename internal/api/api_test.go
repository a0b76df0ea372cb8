package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/genro-wopi/internal/api"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTenants struct {
	tenants map[string]*types.Tenant
}

func (f *fakeTenants) AuthenticateByToken(_ context.Context, token string) (*types.Tenant, error) {
	if t, ok := f.tenants[token]; ok {
		return t, nil
	}
	return nil, types.NewError(types.ErrInvalidToken, "no tenant for token")
}

type fakeManager struct {
	sessions map[string]*types.Session
}

func (f *fakeManager) Create(_ context.Context, req interfaces.CreateSessionRequest) (*interfaces.CreateSessionResult, error) {
	sess := &types.Session{
		ID: "sess-new", TenantID: req.TenantID, FileID: "file-new",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	f.sessions[sess.ID] = sess
	return &interfaces.CreateSessionResult{SessionID: sess.ID, FileID: sess.FileID, EditorURL: "https://editor/x", ExpiresAt: sess.ExpiresAt}, nil
}

func (f *fakeManager) Close(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeManager) Cleanup(context.Context, bool) (*interfaces.CleanupResult, error) {
	return &interfaces.CleanupResult{ExpiredCount: 2}, nil
}

func (f *fakeManager) Get(_ context.Context, id string) (*types.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "not found")
	}
	return s, nil
}

func (f *fakeManager) List(_ context.Context, tenantID string) ([]*types.Session, error) {
	var out []*types.Session
	for _, s := range f.sessions {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func newTestRouter() (*gin.Engine, *fakeManager) {
	tenants := &fakeTenants{tenants: map[string]*types.Tenant{"good-token": {ID: "t1", Active: true}}}
	manager := &fakeManager{sessions: map[string]*types.Session{}}
	h := api.NewHandler(manager, tenants)
	r := gin.New()
	h.Register(r.Group("/api"))
	return r, manager
}

func TestCreateSessionRequiresBearerToken(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/create", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSessionHappyPath(t *testing.T) {
	r, _ := newTestRouter()
	body, _ := json.Marshal(map[string]any{
		"storage_name": "docs", "file_path": "a.docx", "account": "acct1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/create", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-new", resp["session_id"])
}

func TestGetSessionDeniesOtherTenant(t *testing.T) {
	r, manager := newTestRouter()
	manager.sessions["sess-other"] = &types.Session{ID: "sess-other", TenantID: "t2"}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-other", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanup(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/cleanup?dry_run=true", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["expired_count"])
}
