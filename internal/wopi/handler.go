// Package wopi implements the WOPI Protocol Handler (C7): the exact,
// stateful CheckFileInfo/GetFile/PutFile/Lock-family surface spec.md §4.6
// requires, wired as a gin.RouterGroup per the teacher's handler idiom.
package wopi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genropy/genro-wopi/internal/httpserver"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// maxExpectedSizeHeader is supplemented from the WOPI ecosystem (silent in
// the distilled spec, present in real hosts): a client may advertise an
// upper bound on a PutFile body so the proxy can reject an oversized
// upload before reading it fully.
const maxExpectedSizeHeader = "X-WOPI-MaxExpectedSize"

// Handler implements the WOPI surface over a SessionStore, StorageRegistry,
// TokenService, CallbackDispatcher and AuditLog.
type Handler struct {
	tokens    interfaces.TokenService
	sessions  interfaces.SessionStore
	storages  interfaces.StorageRegistry
	tenants   interfaces.TenantRegistry
	callbacks interfaces.CallbackDispatcher
	audit     interfaces.AuditLog
}

func NewHandler(
	tokens interfaces.TokenService,
	sessions interfaces.SessionStore,
	storages interfaces.StorageRegistry,
	tenants interfaces.TenantRegistry,
	callbacks interfaces.CallbackDispatcher,
	audit interfaces.AuditLog,
) *Handler {
	return &Handler{
		tokens:    tokens,
		sessions:  sessions,
		storages:  storages,
		tenants:   tenants,
		callbacks: callbacks,
		audit:     audit,
	}
}

// Register mounts the WOPI routes under group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/files/:file_id", h.CheckFileInfo)
	group.GET("/files/:file_id/contents", h.GetFile)
	group.POST("/files/:file_id/contents", h.PutFile)
	group.POST("/files/:file_id", h.LockOperation)
}

// authenticate runs the common preamble from spec.md §4.6: validate the
// token's signature, load the session by file_id (not by the token's own
// session id — a token minted for a different session/tenant's file_id
// must fail on the cross-check below, not resolve through), then cross-
// check the presented token against the session's stored one and its
// expiry.
func (h *Handler) authenticate(c *gin.Context) (*types.Session, bool) {
	fileID := c.Param("file_id")
	presentedToken := c.Query("access_token")

	if _, _, err := h.tokens.Validate(presentedToken); err != nil {
		httpserver.WriteError(c, err)
		return nil, false
	}

	sess, err := h.sessions.GetByFileID(c.Request.Context(), fileID)
	if err != nil {
		httpserver.WriteError(c, err)
		return nil, false
	}

	if sess.AccessToken != presentedToken {
		httpserver.WriteError(c, types.NewError(types.ErrTokenMismatch, "access token does not match file_id %q", fileID))
		return nil, false
	}
	if sess.Expired(time.Now()) {
		httpserver.WriteError(c, types.NewError(types.ErrExpiredToken, "session %q expired", sess.ID))
		return nil, false
	}

	return sess, true
}

func versionString(caps types.Capabilities, versions []types.Version, mtime time.Time) string {
	if caps.Versioning && len(versions) > 0 {
		return versions[0].VersionID
	}
	return "v" + strconv.FormatInt(mtime.Unix(), 10)
}

// CheckFileInfo — GET /wopi/files/{file_id}
func (h *Handler) CheckFileInfo(c *gin.Context) {
	sess, ok := h.authenticate(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	node, err := h.storages.ResolveNode(ctx, sess.TenantID, sess.StorageName, sess.FilePath)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	size, err := node.Size(ctx)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	mtime, err := node.Mtime(ctx)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	caps := node.Capabilities()
	var versions []types.Version
	if caps.VersionListing {
		versions, err = node.Versions(ctx)
		if err != nil {
			httpserver.WriteError(c, err)
			return
		}
	}

	userID := sess.User
	if userID == "" {
		userID = sess.Account
	}

	c.JSON(http.StatusOK, gin.H{
		"BaseFileName":            node.Basename(),
		"Size":                    size,
		"OwnerId":                 sess.TenantID,
		"UserId":                  userID,
		"UserFriendlyName":        userID,
		"Version":                 versionString(caps, versions, mtime),
		"UserCanWrite":            sess.PermissionSet().Edit(),
		"UserCanNotWriteRelative": true,
		"SupportsLocks":           true,
		"SupportsUpdate":          true,
	})

	_ = h.sessions.Touch(ctx, sess.ID, time.Now())
}

// GetFile — GET /wopi/files/{file_id}/contents
func (h *Handler) GetFile(c *gin.Context) {
	sess, ok := h.authenticate(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	node, err := h.storages.ResolveNode(ctx, sess.TenantID, sess.StorageName, sess.FilePath)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	data, err := node.ReadBytes(ctx)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}

	caps := node.Capabilities()
	if caps.Versioning {
		mtime, err := node.Mtime(ctx)
		if err == nil {
			var versions []types.Version
			if caps.VersionListing {
				versions, _ = node.Versions(ctx)
			}
			c.Header("X-WOPI-ItemVersion", versionString(caps, versions, mtime))
		}
	}

	c.Data(http.StatusOK, node.Mimetype(), data)

	now := time.Now()
	_ = h.sessions.Touch(ctx, sess.ID, now)
	h.audit.Record(ctx, sess.TenantID, sess.Account, sess.User, "wopi.get_file", map[string]any{
		"session_id": sess.ID,
		"file_path":  sess.FilePath,
	})

	if first, err := h.sessions.MarkOpened(ctx, sess.ID, now); err == nil && first {
		if t, terr := h.tenants.GetTenant(ctx, sess.TenantID); terr == nil {
			h.callbacks.Dispatch(ctx, t, sess, interfaces.EventDocumentOpened, nil)
		}
	}
}

// PutFile — POST /wopi/files/{file_id}/contents
func (h *Handler) PutFile(c *gin.Context) {
	sess, ok := h.authenticate(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if !sess.PermissionSet().Edit() {
		httpserver.WriteError(c, types.NewError(types.ErrPermissionDenied, "session %q has no edit permission", sess.ID))
		return
	}

	if maxHeader := c.GetHeader(maxExpectedSizeHeader); maxHeader != "" {
		if maxExpected, err := strconv.ParseInt(maxHeader, 10, 64); err == nil && c.Request.ContentLength > maxExpected {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
	}

	presentedLock := c.GetHeader("X-WOPI-Lock")

	node, err := h.storages.ResolveNode(ctx, sess.TenantID, sess.StorageName, sess.FilePath)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}

	currentLock, err := h.sessions.GetLock(ctx, sess.ID)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}

	switch {
	case currentLock == "" && presentedLock == "":
		size, serr := node.Size(ctx)
		if serr != nil {
			httpserver.WriteError(c, serr)
			return
		}
		if size != 0 {
			httpserver.WriteError(c, types.LockConflict(""))
			return
		}
	case currentLock != "" && presentedLock != currentLock:
		httpserver.WriteError(c, types.LockConflict(currentLock))
		return
	case currentLock != "" && presentedLock == currentLock:
		// proceed
	case currentLock == "" && presentedLock != "":
		httpserver.WriteError(c, types.LockConflict(""))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httpserver.WriteError(c, types.Wrap(types.ErrStorageFailure, err, "read PutFile body"))
		return
	}
	if err := node.WriteBytes(ctx, body); err != nil {
		httpserver.WriteError(c, err)
		return
	}

	caps := node.Capabilities()
	mtime, err := node.Mtime(ctx)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	var versions []types.Version
	if caps.VersionListing {
		versions, _ = node.Versions(ctx)
	}
	newVersion := versionString(caps, versions, mtime)
	c.Header("X-WOPI-ItemVersion", newVersion)
	c.Status(http.StatusOK)

	now := time.Now()
	_ = h.sessions.Touch(ctx, sess.ID, now)
	h.audit.Record(ctx, sess.TenantID, sess.Account, sess.User, "wopi.put_file", map[string]any{
		"session_id": sess.ID,
		"file_path":  sess.FilePath,
		"version":    newVersion,
	})
	if t, terr := h.tenants.GetTenant(ctx, sess.TenantID); terr == nil {
		h.callbacks.Dispatch(ctx, t, sess, interfaces.EventDocumentSaved, map[string]any{"version": newVersion})
	}
}
