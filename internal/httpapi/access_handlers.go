package httpapi

import (
	"net/http"
	"strings"

	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/guard"
)

type accessCheckRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	Permission   string `json:"permission" validate:"required"`
	ResourceType string `json:"resource_type"`
	TargetUserID string `json:"target_user_id"`
	TargetUnitID string `json:"target_unit_id"`
	Conditional  bool   `json:"conditional"`
}

type accessCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// handleAccessCheck answers an operation-level question for another service. The
// caller must hold a token and is recorded beside the subject in the audit entry.
// A resource type turns on the data scope check.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller := UserIDFromContext(r.Context())
	if caller == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req accessCheckRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	rc := a.requestContext(r)
	rc.CallerID = caller
	d := a.guard.Authorize(r.Context(), strings.TrimSpace(req.UserID), guard.Requirement{
		Permission:   strings.TrimSpace(req.Permission),
		Conditional:  req.Conditional,
		DataScoped:   req.ResourceType != "",
		ResourceType: req.ResourceType,
		TargetUserID: req.TargetUserID,
		TargetUnitID: req.TargetUnitID,
	}, rc)
	writeJSON(w, http.StatusOK, accessCheckResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (a *API) handleMinimalPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perms, err := a.eval.MinimalPermissions(r.Context(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleActiveGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	grants, err := a.delegations.ActiveGrants(r.Context(), r.PathValue("id"), a.now())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if grants == nil {
		grants = []delegation.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}
