// Package api implements the Management API (C10): the REST surface for
// session lifecycle (create/get/list/close/cleanup), authenticated by a
// tenant's bearer API token (spec.md §4.9, §6).
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genropy/genro-wopi/internal/httpserver"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// tenantContextKey stores the authenticated tenant on the gin context.
const tenantContextKey = "wopiproxy.tenant"

// Handler implements the Management API.
type Handler struct {
	manager interfaces.SessionManager
	tenants tenantAuthenticator
}

// tenantAuthenticator is the narrow slice of TenantRegistry the Management
// API needs: resolving the bearer token to its owning tenant (spec.md §6:
// "tenant resolution from the token").
type tenantAuthenticator interface {
	AuthenticateByToken(ctx context.Context, token string) (*types.Tenant, error)
}

func NewHandler(manager interfaces.SessionManager, tenants tenantAuthenticator) *Handler {
	return &Handler{manager: manager, tenants: tenants}
}

// Register mounts the Management API routes under group, protected by
// bearer-token tenant authentication.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.Use(h.authenticate)
	group.POST("/sessions/create", h.CreateSession)
	group.GET("/sessions/:id", h.GetSession)
	group.GET("/sessions", h.ListSessions)
	group.POST("/sessions/:id/close", h.CloseSession)
	group.POST("/sessions/cleanup", h.Cleanup)
}

func (h *Handler) authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		httpserver.WriteError(c, types.NewError(types.ErrInvalidToken, "missing bearer token"))
		c.Abort()
		return
	}

	t, err := h.tenants.AuthenticateByToken(c.Request.Context(), token)
	if err != nil {
		httpserver.WriteError(c, err)
		c.Abort()
		return
	}
	c.Set(tenantContextKey, t)
}

func tenantFromContext(c *gin.Context) *types.Tenant {
	v, _ := c.Get(tenantContextKey)
	t, _ := v.(*types.Tenant)
	return t
}

type createSessionBody struct {
	StorageName        string `json:"storage_name" binding:"required"`
	FilePath           string `json:"file_path" binding:"required"`
	Edit               bool   `json:"edit"`
	Account            string `json:"account" binding:"required"`
	User               string `json:"user"`
	OriginConnectionID string `json:"origin_connection_id"`
	OriginPageID       string `json:"origin_page_id"`
	TTLSeconds         int    `json:"ttl_seconds"`
}

// CreateSession — POST /sessions/create
func (h *Handler) CreateSession(c *gin.Context) {
	t := tenantFromContext(c)

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpserver.WriteError(c, types.Wrap(types.ErrInvalidInput, err, "invalid request body"))
		return
	}

	req := interfaces.CreateSessionRequest{
		TenantID:           t.ID,
		StorageName:        body.StorageName,
		FilePath:           body.FilePath,
		Edit:               body.Edit,
		Account:            body.Account,
		User:               body.User,
		OriginConnectionID: body.OriginConnectionID,
		OriginPageID:       body.OriginPageID,
	}
	if body.TTLSeconds > 0 {
		req.TTL = time.Duration(body.TTLSeconds) * time.Second
	}

	result, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": result.SessionID,
		"file_id":    result.FileID,
		"editor_url": result.EditorURL,
		"expires_at": result.ExpiresAt,
	})
}

// GetSession — GET /sessions/{id}
func (h *Handler) GetSession(c *gin.Context) {
	t := tenantFromContext(c)
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	if sess.TenantID != t.ID {
		httpserver.WriteError(c, types.NewError(types.ErrNotFound, "session %q not found", sess.ID))
		return
	}
	c.JSON(http.StatusOK, projectSession(sess))
}

// ListSessions — GET /sessions?tenant_id=...
// A caller may only ever see their own tenant's sessions regardless of
// what tenant_id is passed; the authenticated tenant always wins.
func (h *Handler) ListSessions(c *gin.Context) {
	t := tenantFromContext(c)
	sessions, err := h.manager.List(c.Request.Context(), t.ID)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	projections := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		projections = append(projections, projectSession(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": projections})
}

// CloseSession — POST /sessions/{id}/close
func (h *Handler) CloseSession(c *gin.Context) {
	t := tenantFromContext(c)
	id := c.Param("id")

	sess, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	if sess.TenantID != t.ID {
		httpserver.WriteError(c, types.NewError(types.ErrNotFound, "session %q not found", id))
		return
	}

	if err := h.manager.Close(c.Request.Context(), id); err != nil {
		httpserver.WriteError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Cleanup — POST /sessions/cleanup?dry_run=true
func (h *Handler) Cleanup(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	result, err := h.manager.Cleanup(c.Request.Context(), dryRun)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expired_count":       result.ExpiredCount,
		"lock_released_count": result.LockReleasedCount,
	})
}

// projectSession never includes the raw access token (spec.md §4.9).
func projectSession(s *types.Session) gin.H {
	return gin.H{
		"session_id": s.ID,
		"file_id":    s.FileID,
		"tenant_id":  s.TenantID,
		"account":    s.Account,
		"user":       s.User,
		"created_at": s.CreatedAt,
		"expires_at": s.ExpiresAt,
		"locked":     s.LockID != "",
	}
}
