package wopi_test

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

	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
	"github.com/genropy/genro-wopi/internal/wopi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNode struct {
	basename string
	mimetype string
	data     []byte
	mtime    time.Time
	caps     types.Capabilities
	versions []types.Version
}

func (n *fakeNode) Basename() string { return n.basename }
func (n *fakeNode) Mimetype() string { return n.mimetype }
func (n *fakeNode) Exists(context.Context) (bool, error) { return true, nil }
func (n *fakeNode) Size(context.Context) (int64, error)  { return int64(len(n.data)), nil }
func (n *fakeNode) Mtime(context.Context) (time.Time, error) { return n.mtime, nil }
func (n *fakeNode) ReadBytes(context.Context) ([]byte, error) { return n.data, nil }
func (n *fakeNode) WriteBytes(_ context.Context, data []byte) error {
	n.data = data
	n.mtime = n.mtime.Add(time.Second)
	return nil
}
func (n *fakeNode) Capabilities() types.Capabilities { return n.caps }
func (n *fakeNode) Versions(context.Context) ([]types.Version, error) { return n.versions, nil }
func (n *fakeNode) VersionCount(context.Context) (int, error) { return len(n.versions), nil }

type fakeStorages struct{ node *fakeNode }

func (f *fakeStorages) GetStorage(context.Context, string, string) (*types.Storage, error) {
	return &types.Storage{}, nil
}
func (f *fakeStorages) ResolveNode(context.Context, string, string, string) (interfaces.StorageNode, error) {
	return f.node, nil
}

type fakeTokens struct{}

func (fakeTokens) Issue(sessionID string, ttl time.Duration) (string, time.Time, error) {
	return "tok-" + sessionID, time.Now().Add(ttl), nil
}
func (fakeTokens) Validate(token string) (string, time.Time, error) {
	if token == "" {
		return "", time.Time{}, types.NewError(types.ErrInvalidToken, "empty token")
	}
	return token, time.Now().Add(time.Hour), nil
}

type fakeStore struct {
	sessions map[string]*types.Session
	byFileID map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*types.Session{}, byFileID: map[string]string{}}
}

func (f *fakeStore) put(s *types.Session) {
	f.sessions[s.ID] = s
	f.byFileID[s.FileID] = s.ID
}

func (f *fakeStore) Insert(context.Context, *types.Session) error { return nil }

func (f *fakeStore) GetByID(_ context.Context, id string) (*types.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "not found")
	}
	return s, nil
}

func (f *fakeStore) GetByFileID(ctx context.Context, fileID string) (*types.Session, error) {
	id, ok := f.byFileID[fileID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "not found")
	}
	return f.GetByID(ctx, id)
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (*types.Session, error) {
	for _, s := range f.sessions {
		if s.AccessToken == token {
			return s, nil
		}
	}
	return nil, types.NewError(types.ErrNotFound, "not found")
}

func (f *fakeStore) Touch(_ context.Context, id string, ts time.Time) error {
	if s, ok := f.sessions[id]; ok {
		s.LastAccessedAt = ts
	}
	return nil
}

func (f *fakeStore) MarkOpened(_ context.Context, id string, ts time.Time) (bool, error) {
	s, ok := f.sessions[id]
	if !ok {
		return false, types.NewError(types.ErrNotFound, "not found")
	}
	if s.OpenedAt != nil {
		return false, nil
	}
	s.OpenedAt = &ts
	return true, nil
}

func (f *fakeStore) SetLock(_ context.Context, id, lockID string, ttl time.Duration) (interfaces.LockResult, error) {
	s, ok := f.sessions[id]
	if !ok {
		return interfaces.LockResult{}, types.NewError(types.ErrNotFound, "not found")
	}
	now := time.Now()
	current := s.CurrentLock(now)
	if current != "" && current != lockID {
		return interfaces.LockResult{Acquired: false, ExistingLock: current}, nil
	}
	exp := now.Add(ttl)
	s.LockID = lockID
	s.LockExpiresAt = &exp
	return interfaces.LockResult{Acquired: true}, nil
}

func (f *fakeStore) RefreshLock(_ context.Context, id, lockID string, ttl time.Duration) (interfaces.LockResult, error) {
	s, ok := f.sessions[id]
	if !ok {
		return interfaces.LockResult{}, types.NewError(types.ErrNotFound, "not found")
	}
	now := time.Now()
	current := s.CurrentLock(now)
	if current != lockID {
		return interfaces.LockResult{Acquired: false, ExistingLock: current}, nil
	}
	exp := now.Add(ttl)
	s.LockID = lockID
	s.LockExpiresAt = &exp
	return interfaces.LockResult{Acquired: true}, nil
}

func (f *fakeStore) ReleaseLock(_ context.Context, id, lockID string) (interfaces.UnlockResult, error) {
	s, ok := f.sessions[id]
	if !ok {
		return interfaces.UnlockResult{}, types.NewError(types.ErrNotFound, "not found")
	}
	current := s.CurrentLock(time.Now())
	if current == "" {
		return interfaces.UnlockResult{NotLocked: true}, nil
	}
	if current != lockID {
		return interfaces.UnlockResult{Mismatch: true, ExistingLock: current}, nil
	}
	s.LockID = ""
	s.LockExpiresAt = nil
	return interfaces.UnlockResult{Released: true}, nil
}

func (f *fakeStore) GetLock(_ context.Context, id string) (string, error) {
	s, ok := f.sessions[id]
	if !ok {
		return "", types.NewError(types.ErrNotFound, "not found")
	}
	return s.CurrentLock(time.Now()), nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) ListActive(context.Context, string) ([]*types.Session, error) { return nil, nil }
func (f *fakeStore) CountExpired(context.Context) (int, error)                    { return 0, nil }
func (f *fakeStore) CleanupExpired(context.Context) (int, int, error)             { return 0, 0, nil }

type fakeTenants struct{ tenant *types.Tenant }

func (f *fakeTenants) GetTenant(_ context.Context, id string) (*types.Tenant, error) {
	if f.tenant == nil || f.tenant.ID != id {
		return nil, types.NewError(types.ErrNotFound, "no such tenant")
	}
	return f.tenant, nil
}
func (f *fakeTenants) EditorURLFor(context.Context, *types.Tenant) (string, error) { return "", nil }
func (f *fakeTenants) Authenticate(context.Context, string, string) (*types.Tenant, error) {
	return f.tenant, nil
}
func (f *fakeTenants) DiscoveryInfo() (string, string) { return "/browser/%s/cool.html", "disco-token" }

type fakeCallbacks struct{ events []interfaces.CallbackEvent }

func (f *fakeCallbacks) Dispatch(_ context.Context, _ *types.Tenant, _ *types.Session, event interfaces.CallbackEvent, _ map[string]any) {
	f.events = append(f.events, event)
}

type fakeAudit struct{}

func (fakeAudit) Record(context.Context, string, string, string, string, map[string]any) {}
func (fakeAudit) LastWriteError() error                                                   { return nil }

type testFixture struct {
	handler   *wopi.Handler
	store     *fakeStore
	callbacks *fakeCallbacks
	node      *fakeNode
}

func newFixture(t *testing.T, data []byte, edit bool) *testFixture {
	t.Helper()
	node := &fakeNode{
		basename: "b.xlsx",
		mimetype: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		data:     data,
		mtime:    time.Now(),
		caps:     types.Capabilities{Read: true, Write: true},
	}
	store := newFakeStore()
	callbacks := &fakeCallbacks{}
	tenants := &fakeTenants{tenant: &types.Tenant{ID: "t1", Active: true}}

	sess := &types.Session{
		ID:          "sess1",
		TenantID:    "t1",
		StorageName: "docs",
		FilePath:    "a/b.xlsx",
		FileID:      "file1",
		AccessToken: "token1",
		Permissions: types.NewPermissionSet(edit).Encode(),
		Account:     "acct1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	store.put(sess)

	h := wopi.NewHandler(fakeTokens{}, store, &fakeStorages{node: node}, tenants, callbacks, fakeAudit{})
	return &testFixture{handler: h, store: store, callbacks: callbacks, node: node}
}

func (f *testFixture) router() *gin.Engine {
	r := gin.New()
	group := r.Group("/wopi")
	f.handler.Register(group)
	return r
}

func doRequest(r *gin.Engine, method, path string, headers map[string]string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHappyViewScenario(t *testing.T) {
	f := newFixture(t, []byte("hello"), false)
	r := f.router()

	rec := doRequest(r, http.MethodGet, "/wopi/files/file1?access_token=token1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, false, info["UserCanWrite"])

	rec = doRequest(r, http.MethodGet, "/wopi/files/file1/contents?access_token=token1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1/contents?access_token=token1", nil, []byte("new"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotAuthorized", rec.Header().Get("X-WOPI-ServerError"))
}

func TestHappyEditLockCycle(t *testing.T) {
	f := newFixture(t, []byte("hello"), true)
	r := f.router()

	rec := doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "LOCK", "X-WOPI-Lock": "L1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1/contents?access_token=token1",
		map[string]string{"X-WOPI-Lock": "L1"}, []byte("updated"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-WOPI-ItemVersion"))
	assert.Contains(t, f.callbacks.events, interfaces.EventDocumentSaved)

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "UNLOCK", "X-WOPI-Lock": "L1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLockContention(t *testing.T) {
	f := newFixture(t, []byte("hello"), true)
	r := f.router()

	rec := doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "LOCK", "X-WOPI-Lock": "A"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "LOCK", "X-WOPI-Lock": "B"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "A", rec.Header().Get("X-WOPI-Lock"))

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "UNLOCK", "X-WOPI-Lock": "B"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "A", rec.Header().Get("X-WOPI-Lock"))

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "UNLOCK", "X-WOPI-Lock": "A"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1?access_token=token1",
		map[string]string{"X-WOPI-Override": "LOCK", "X-WOPI-Lock": "B"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSaveOfBrandNewEmptyFile(t *testing.T) {
	f := newFixture(t, []byte(""), true)
	r := f.router()

	rec := doRequest(r, http.MethodGet, "/wopi/files/file1?access_token=token1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.EqualValues(t, 0, info["Size"])

	rec = doRequest(r, http.MethodPost, "/wopi/files/file1/contents?access_token=token1",
		map[string]string{"X-WOPI-Lock": ""}, []byte("content"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content", string(f.node.data))
}

func TestWrongTenantFileIDMismatch(t *testing.T) {
	f := newFixture(t, []byte("hello"), false)
	r := f.router()

	otherSess := &types.Session{
		ID: "sess2", TenantID: "t2", StorageName: "docs", FilePath: "c.xlsx",
		FileID: "file2", AccessToken: "token2", Permissions: types.NewPermissionSet(false).Encode(),
		Account: "acct2", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	f.store.put(otherSess)

	rec := doRequest(r, http.MethodGet, "/wopi/files/file2?access_token=token1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPutFileRejectsNonEmptyWithoutLock(t *testing.T) {
	f := newFixture(t, []byte("hello"), true)
	r := f.router()

	rec := doRequest(r, http.MethodPost, "/wopi/files/file1/contents?access_token=token1", nil, []byte("new"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "", rec.Header().Get("X-WOPI-Lock"))
}
