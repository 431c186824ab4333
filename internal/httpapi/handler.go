// Package httpapi provides the HTTP surface for lock operations: acquire,
// renew, release, status and diagnostics.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/casetrust/govlock/internal/authz"
	"github.com/casetrust/govlock/internal/lock"
	"github.com/casetrust/govlock/internal/metrics"
)

const identityKey = "govlock.identity"

// Handler handles lock API requests.
type Handler struct {
	service  *lock.Service
	resolver authz.Resolver
	logger   zerolog.Logger

	// renewInterval is advertised to clients so they renew well inside the lease.
	renewInterval time.Duration
}

// NewHandler creates a lock API handler.
func NewHandler(service *lock.Service, resolver authz.Resolver, renewInterval time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		service:       service,
		resolver:      resolver,
		logger:        logger.With().Str("component", "httpapi").Logger(),
		renewInterval: renewInterval,
	}
}

// RegisterRoutes registers all lock routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	locks := router.Group("/locks")
	locks.Use(h.authenticate())

	locks.POST("/acquire", h.Acquire)
	locks.POST("/renew", h.Renew)
	locks.POST("/release", h.Release)
	locks.POST("/force-release", h.ForceRelease)
	locks.GET("/status", h.Status)
	locks.GET("/diag", h.Diagnostics)
}

// authenticate resolves the caller identity and aborts with 401 when none
// can be resolved. The credential is taken from the Authorization header,
// the X-Api-Key header, or a token form/query parameter; teardown-safe
// delivery channels cannot set arbitrary headers, so the release path in
// particular depends on the parameter form.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := bearerToken(c.GetHeader("Authorization"))
		if credential == "" {
			credential = c.GetHeader("X-Api-Key")
		}
		if credential == "" {
			credential = c.PostForm("token")
		}
		if credential == "" {
			credential = c.Query("token")
		}

		identity, err := h.resolver.Resolve(c.Request.Context(), credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthenticated",
				Message: "caller identity missing or invalid",
			})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func callerIdentity(c *gin.Context) authz.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(authz.Identity); ok {
			return id
		}
	}
	return authz.Identity{}
}

// acquireRequest is the acquire payload.
type acquireRequest struct {
	ResourceID   string `json:"resourceId" binding:"required"`
	Scope        string `json:"scope" binding:"required"`
	Type         string `json:"type" binding:"required"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

// renewRequest is the renew payload.
type renewRequest struct {
	ResourceID string `json:"resourceId" binding:"required"`
	Scope      string `json:"scope" binding:"required"`
}

// releaseRequest is the release payload. It binds from JSON and from
// form/URL-encoded bodies: page-teardown delivery mechanisms can only send
// simple encodings.
type releaseRequest struct {
	ResourceID string `json:"resourceId" form:"resourceId"`
	Scope      string `json:"scope" form:"scope"`
	Type       string `json:"type" form:"type"`
}

// lockResponse is the lock summary returned on acquire and renew.
type lockResponse struct {
	Lock                 *lock.Lock `json:"lock"`
	RenewIntervalSeconds int        `json:"renewIntervalSeconds"`
}

// conflictResponse is returned when another party holds a blocking lock.
type conflictResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	Holder           string `json:"holder"`
	LockType         string `json:"lockType"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Acquire handles POST /locks/acquire.
func (h *Handler) Acquire(c *gin.Context) {
	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	l, err := h.service.Acquire(c.Request.Context(), callerIdentity(c), lock.AcquireRequest{
		ResourceID: req.ResourceID,
		Scope:      lock.Scope(req.Scope),
		Type:       lock.Type(req.Type),
		Lease:      time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lockResponse{
		Lock:                 l,
		RenewIntervalSeconds: int(h.renewInterval.Seconds()),
	})
}

// Renew handles POST /locks/renew.
func (h *Handler) Renew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	l, err := h.service.Renew(c.Request.Context(), callerIdentity(c), req.ResourceID, lock.Scope(req.Scope))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lockResponse{
		Lock:                 l,
		RenewIntervalSeconds: int(h.renewInterval.Seconds()),
	})
}

// Release handles POST /locks/release. Responds 204 on success; release is
// idempotent, so an absent or already-released lock is still a success.
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	// ShouldBind selects the binding from the Content-Type, covering both
	// JSON callers and beacon-style form posts. Query parameters are the
	// last resort for channels that cannot carry a body.
	_ = c.ShouldBind(&req)
	if req.ResourceID == "" {
		req.ResourceID = c.Query("resourceId")
	}
	if req.Scope == "" {
		req.Scope = c.Query("scope")
	}
	if req.Type == "" {
		req.Type = c.Query("type")
	}

	err := h.service.Release(c.Request.Context(), callerIdentity(c), req.ResourceID, lock.Scope(req.Scope), lock.Type(req.Type))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.ContentType() == "application/x-www-form-urlencoded" || c.ContentType() == "text/plain" {
		metrics.RecordRelease("beacon")
	}
	c.Status(http.StatusNoContent)
}

// ForceRelease handles POST /locks/force-release, the administrative
// stuck-session recovery path.
func (h *Handler) ForceRelease(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	released, err := h.service.ForceRelease(c.Request.Context(), callerIdentity(c), req.ResourceID, lock.Scope(req.Scope))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// Status handles GET /locks/status.
func (h *Handler) Status(c *gin.Context) {
	resourceID := c.Query("resourceId")
	scope := c.Query("scope")

	status, err := h.service.Query(c.Request.Context(), callerIdentity(c), resourceID, lock.Scope(scope))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Diagnostics handles GET /locks/diag.
func (h *Handler) Diagnostics(c *gin.Context) {
	counts, err := h.service.Diagnostics(c.Request.Context(), callerIdentity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	byScope := make(map[string]int, len(counts))
	total := 0
	for scope, n := range counts {
		byScope[string(scope)] = n
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"activeLocks": total, "byScope": byScope})
}

// respondError maps the expected lock outcomes to their HTTP statuses.
// Everything in the taxonomy is a structured user-facing result; only
// genuine infrastructure failures become 500s.
func (h *Handler) respondError(c *gin.Context, err error) {
	var conflict *lock.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, conflictResponse{
			Error:            "lock_conflict",
			Message:          "resource is being edited by " + conflict.HolderID,
			Holder:           conflict.HolderID,
			LockType:         string(conflict.Type),
			RemainingSeconds: int64(conflict.Remaining(time.Now()).Seconds()),
		})
	case errors.Is(err, lock.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not_owner", Message: "lock is held by another owner"})
	case errors.Is(err, lock.ErrExpired):
		c.JSON(http.StatusGone, ErrorResponse{Error: "expired", Message: "lease has expired; re-acquire the lock"})
	case errors.Is(err, lock.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, authz.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated", Message: "caller identity missing or invalid"})
	case errors.Is(err, authz.ErrUnauthorized):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "unauthorized", Message: "caller is not permitted to perform this action"})
	default:
		h.logger.Error().Err(err).Msg("lock operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "internal error"})
	}
}
