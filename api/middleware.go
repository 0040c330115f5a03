/*
middleware.go - Tenant isolation and role checks

PURPOSE:
  Every /api route below the tenant group runs with a session tenant
  taken from the X-Tenant-ID header. When a request body names a tenant
  too, the session tenant wins; a mismatch is refused with 403 and a
  security event, never silently reconciled.

ACTOR HEADERS:
  X-Actor-ID    who is acting (required on mutating routes)
  X-Actor-Role  the actor's role, checked by requireRole guards

SEE ALSO:
  - handlers.go: Reads tenant/actor from the request context
*/
package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
)

type contextKey string

const (
	ctxTenantID  contextKey = "tenantID"
	ctxActorID   contextKey = "actorID"
	ctxActorRole contextKey = "actorRole"
)

// tenantFrom returns the session tenant set by the middleware.
func tenantFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxTenantID).(uuid.UUID)
	return id
}

func actorFrom(ctx context.Context) (id, role string) {
	id, _ = ctx.Value(ctxActorID).(string)
	role, _ = ctx.Value(ctxActorRole).(string)
	return id, role
}

// requireTenant resolves the session tenant from X-Tenant-ID and stores
// it, with the actor headers, in the request context.
func (h *Handler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing_tenant", "X-Tenant-ID header is required")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tenant", "X-Tenant-ID must be a UUID")
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenantID, tenantID)
		ctx = context.WithValue(ctx, ctxActorID, r.Header.Get("X-Actor-ID"))
		ctx = context.WithValue(ctx, ctxActorRole, r.Header.Get("X-Actor-Role"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole guards a route for a single role.
func (h *Handler) requireRole(role string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, actorRole := actorFrom(r.Context())
		if actorRole != role {
			writeError(w, http.StatusForbidden, "forbidden",
				"this operation requires the "+role+" role")
			return
		}
		fn(w, r)
	}
}

// checkBodyTenant enforces the session tenant over a body-supplied one.
// A mismatch is refused and recorded as a security event.
func (h *Handler) checkBodyTenant(w http.ResponseWriter, r *http.Request, bodyTenant string) bool {
	if bodyTenant == "" {
		return true
	}
	sessionTenant := tenantFrom(r.Context())
	if bodyTenant == sessionTenant.String() {
		return true
	}

	actor, _ := actorFrom(r.Context())
	ev := domain.NewSecurityEvent(sessionTenant, domain.SecurityTenantMismatch, actor,
		"body tenant "+bodyTenant+" does not match session tenant")
	if err := h.DB.InsertSecurityEvent(r.Context(), ev); err != nil {
		h.Log.Error("security event write failed", zap.Error(err))
	}

	writeError(w, http.StatusForbidden, "tenant_mismatch", domain.ErrTenantMismatch.Error())
	return false
}
