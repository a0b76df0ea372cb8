// Package httpserver wires the gin engine, middleware, and the single
// error-to-HTTP translation point every handler funnels through
// (spec.md §7): one switch from the closed types.ErrorKind enum to a
// status code, optional X-WOPI-* headers, and a JSON body.
package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/genropy/genro-wopi/internal/logger"
	"github.com/genropy/genro-wopi/internal/types"
)

// WriteError translates err into the HTTP response, including the
// X-WOPI-Lock / X-WOPI-ServerError headers WOPI clients depend on. It is
// the only place in the module that maps types.ErrorKind to wire shape.
func WriteError(c *gin.Context, err error) {
	perr, ok := types.AsError(err)
	if !ok {
		var unwrapped *types.Error
		if errors.As(err, &unwrapped) {
			perr = unwrapped
		} else {
			logger.Errorf(c.Request.Context(), "unclassified error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
	}

	status, serverError, body := translate(perr)
	if serverError != "" {
		c.Header("X-WOPI-ServerError", serverError)
	}
	if perr.Kind == types.ErrLockConflict {
		// Set directly: gin's c.Header drops a header whose value is "".
		c.Writer.Header().Set("X-WOPI-Lock", perr.Lock)
	}
	c.JSON(status, body)
}

func translate(perr *types.Error) (status int, serverError string, body gin.H) {
	switch perr.Kind {
	case types.ErrInvalidToken:
		return http.StatusUnauthorized, "", gin.H{"error": "invalid_token"}
	case types.ErrExpiredToken:
		return http.StatusUnauthorized, "", gin.H{"error": "expired"}
	case types.ErrTokenMismatch:
		return http.StatusUnauthorized, "", gin.H{"error": "token_mismatch"}
	case types.ErrNotFound:
		return http.StatusNotFound, "", gin.H{"error": "not_found"}
	case types.ErrPermissionDenied:
		return http.StatusNotFound, "NotAuthorized", gin.H{"error": "not_authorized"}
	case types.ErrLockConflict:
		return http.StatusConflict, "", gin.H{"error": "lock_conflict"}
	case types.ErrStorageFailure:
		return http.StatusInternalServerError, perr.Message, gin.H{"error": "storage_failure"}
	case types.ErrUnsupportedCapability:
		return http.StatusNotImplemented, perr.Message, gin.H{"error": "unsupported_capability"}
	case types.ErrTenantDisabled:
		return http.StatusForbidden, "", gin.H{"error": "tenant_disabled"}
	case types.ErrEditorDisabled:
		return http.StatusForbidden, "", gin.H{"error": "editor_disabled"}
	case types.ErrConflict:
		return http.StatusInternalServerError, "", gin.H{"error": "conflict"}
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout, "", gin.H{"error": "upstream_timeout"}
	case types.ErrInvalidInput:
		return http.StatusBadRequest, "", gin.H{"error": perr.Message}
	default:
		return http.StatusInternalServerError, "", gin.H{"error": "internal"}
	}
}
