package httpapi

import (
	"net/http"

	"gracechurch.org/authz/internal/review"
)

// handleReviewCandidates lists users due for review; all=1 includes everyone.
func (a *API) handleReviewCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	all := r.URL.Query().Get("all")
	onlyDue := all != "1" && all != "true"
	cands, err := a.reviews.Candidates(r.Context(), onlyDue, a.now())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if cands == nil {
		cands = []review.Candidate{}
	}
	writeJSON(w, http.StatusOK, cands)
}

// handleReviews applies a review recorded under the caller. A body naming another
// reviewer is refused.
func (a *API) handleReviews(w http.ResponseWriter, r *http.Request) {
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
	var action review.Action
	if err := decodeJSON(w, r, &action); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if action.ReviewerID != "" && action.ReviewerID != caller {
		writeError(w, r, http.StatusForbidden, "reviewer_id must match the caller")
		return
	}
	action.ReviewerID = caller
	if err := a.validate.Struct(action); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	revoked, err := a.reviews.Submit(r.Context(), action)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_count": revoked})
}
