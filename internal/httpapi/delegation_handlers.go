package httpapi

import (
	"net/http"
	"time"
)

type temporaryDelegationRequest struct {
	TargetUserID    string `json:"target_user_id" validate:"required"`
	Permission      string `json:"permission" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"gt=0"`
	Justification   string `json:"justification"`
}

type permanentDelegationRequest struct {
	TargetUserID  string `json:"target_user_id" validate:"required"`
	Permission    string `json:"permission" validate:"required"`
	Justification string `json:"justification"`
}

type permanentDelegationResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type temporaryDelegationResponse struct {
	Success    bool       `json:"success"`
	RequestID  string     `json:"request_id"`
	ValidUntil *time.Time `json:"valid_until"`
}

// handleTemporaryDelegation grants a permission on behalf of the caller, who must
// rank high enough to delegate.
func (a *API) handleTemporaryDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	requester, ok := a.delegator(w, r)
	if !ok {
		return
	}
	var req temporaryDelegationRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if !a.mayDelegate(w, r, requester, req.Permission) {
		return
	}
	granted, err := a.delegations.GrantTemporaryPermission(r.Context(), requester, req.TargetUserID, req.Permission, req.DurationMinutes, req.Justification)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, temporaryDelegationResponse{
		Success:    true,
		RequestID:  granted.ID,
		ValidUntil: granted.ValidUntil,
	})
}

// handlePermanentDelegation files a permanent grant that waits for approval. The
// requester must pass the same authority check as for temporary grants.
func (a *API) handlePermanentDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	requester, ok := a.delegator(w, r)
	if !ok {
		return
	}
	var req permanentDelegationRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if !a.mayDelegate(w, r, requester, req.Permission) {
		return
	}
	filed, err := a.delegations.RequestPermanentPermission(r.Context(), requester, req.TargetUserID, req.Permission, req.Justification)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, permanentDelegationResponse{
		Success:   true,
		RequestID: filed.ID,
		Status:    string(filed.Status),
	})
}

func (a *API) delegator(w http.ResponseWriter, r *http.Request) (string, bool) {
	requester := UserIDFromContext(r.Context())
	if requester == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return requester, true
}

func (a *API) mayDelegate(w http.ResponseWriter, r *http.Request, requester, permission string) bool {
	if !a.eval.CanDelegate(r.Context(), requester, permission) {
		writeError(w, r, http.StatusForbidden, "insufficient authority to delegate")
		return false
	}
	return true
}
