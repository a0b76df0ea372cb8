package wopi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genropy/genro-wopi/internal/httpserver"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// lockTTL is the fixed lock duration spec.md §4.6 names for LOCK and
// REFRESH_LOCK.
const lockTTL = 30 * time.Minute

const (
	overrideLock         = "LOCK"
	overrideUnlock       = "UNLOCK"
	overrideRefreshLock  = "REFRESH_LOCK"
	overrideGetLock      = "GET_LOCK"
)

// LockOperation — POST /wopi/files/{file_id}, dispatched on X-WOPI-Override.
func (h *Handler) LockOperation(c *gin.Context) {
	sess, ok := h.authenticate(c)
	if !ok {
		return
	}

	switch c.GetHeader("X-WOPI-Override") {
	case overrideLock:
		h.lock(c, sess, false)
	case overrideRefreshLock:
		h.lock(c, sess, true)
	case overrideUnlock:
		h.unlock(c, sess)
	case overrideGetLock:
		h.getLock(c, sess)
	default:
		c.Status(http.StatusBadRequest)
	}
}

func (h *Handler) lock(c *gin.Context, sess *types.Session, refresh bool) {
	ctx := c.Request.Context()
	lockID := c.GetHeader("X-WOPI-Lock")

	var (
		result interfaces.LockResult
		err    error
	)
	if refresh {
		// REFRESH_LOCK only transitions from Locked(lockID, _); the
		// current-holder check and the TTL update run inside one
		// SELECT ... FOR UPDATE transaction so a concurrent UNLOCK can't
		// land between a separate check and a separate SetLock call and
		// cause a silent re-acquire (spec.md §5).
		result, err = h.sessions.RefreshLock(ctx, sess.ID, lockID, lockTTL)
	} else {
		result, err = h.sessions.SetLock(ctx, sess.ID, lockID, lockTTL)
	}
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	if !result.Acquired {
		httpserver.WriteError(c, types.LockConflict(result.ExistingLock))
		return
	}

	c.Header("X-WOPI-Lock", lockID)
	c.Status(http.StatusOK)

	event := interfaces.EventLockAcquired
	command := "wopi.lock"
	if refresh {
		command = "wopi.refresh_lock"
	}
	h.audit.Record(ctx, sess.TenantID, sess.Account, sess.User, command, map[string]any{
		"session_id": sess.ID, "lock_id": lockID,
	})
	if t, terr := h.tenants.GetTenant(ctx, sess.TenantID); terr == nil {
		h.callbacks.Dispatch(ctx, t, sess, event, map[string]any{"lock_id": lockID})
	}
}

func (h *Handler) unlock(c *gin.Context, sess *types.Session) {
	ctx := c.Request.Context()
	lockID := c.GetHeader("X-WOPI-Lock")

	result, err := h.sessions.ReleaseLock(ctx, sess.ID, lockID)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	if result.NotLocked {
		httpserver.WriteError(c, types.LockConflict(""))
		return
	}
	if result.Mismatch {
		httpserver.WriteError(c, types.LockConflict(result.ExistingLock))
		return
	}

	c.Status(http.StatusOK)

	h.audit.Record(ctx, sess.TenantID, sess.Account, sess.User, "wopi.unlock", map[string]any{
		"session_id": sess.ID, "lock_id": lockID,
	})
	if t, terr := h.tenants.GetTenant(ctx, sess.TenantID); terr == nil {
		h.callbacks.Dispatch(ctx, t, sess, interfaces.EventLockReleased, map[string]any{"lock_id": lockID})
	}
}

func (h *Handler) getLock(c *gin.Context, sess *types.Session) {
	ctx := c.Request.Context()
	current, err := h.sessions.GetLock(ctx, sess.ID)
	if err != nil {
		httpserver.WriteError(c, err)
		return
	}
	c.Writer.Header().Set("X-WOPI-Lock", current)
	c.Status(http.StatusOK)
}
