package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/guard"
	"gracechurch.org/authz/internal/obs"
	"gracechurch.org/authz/internal/review"
)

const serviceName = "church-authz"

// Pinger is implemented by both stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// ReadinessChecker reports whether the service can answer requests.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Evaluator is the part of authz.Evaluator the handlers call directly.
type Evaluator interface {
	CanDelegate(ctx context.Context, userID, permission string) bool
	MinimalPermissions(ctx context.Context, userID string) ([]string, error)
}

// RouteGuard resolves routes and operations to verdicts.
type RouteGuard interface {
	CheckRouteAccess(ctx context.Context, path, userID string, rc guard.RequestContext) guard.Decision
	Authorize(ctx context.Context, userID string, req guard.Requirement, rc guard.RequestContext) guard.Decision
}

// Delegations grants permissions on behalf of a requester.
type Delegations interface {
	GrantTemporaryPermission(ctx context.Context, requesterID, targetUserID, permission string, durationMinutes int, justification string) (delegation.Request, error)
	RequestPermanentPermission(ctx context.Context, requesterID, targetUserID, permission, justification string) (delegation.Request, error)
	ActiveGrants(ctx context.Context, userID string, now time.Time) ([]delegation.Request, error)
}

// Reviews builds the review queue and applies review actions.
type Reviews interface {
	Candidates(ctx context.Context, onlyDue bool, now time.Time) ([]review.Candidate, error)
	Submit(ctx context.Context, a review.Action) (int, error)
}

// Config wires the API to its collaborators.
type Config struct {
	Evaluator     Evaluator
	Guard         RouteGuard
	Delegations   Delegations
	Reviews       Reviews
	Ready         ReadinessChecker
	Tokens        *TokenVerifier
	Version       string
	RateBurst     int
	RatePerSecond float64
	Clock         func() time.Time

	// TrustedProxies are the peers allowed to report the client address through
	// X-Forwarded-For. Empty means the direct peer is always the client.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	eval        Evaluator
	guard       RouteGuard
	delegations Delegations
	reviews     Reviews
	ready       ReadinessChecker
	tokens      *TokenVerifier
	validate    *validator.Validate
	version     string
	rateBurst   int
	ratePerSec  float64
	proxies     trustedProxies
	now         func() time.Time
}

// New validates cfg and registers the routes.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Evaluator == nil:
		return nil, errors.New("httpapi: evaluator is required")
	case cfg.Guard == nil:
		return nil, errors.New("httpapi: guard is required")
	case cfg.Delegations == nil:
		return nil, errors.New("httpapi: delegation manager is required")
	case cfg.Reviews == nil:
		return nil, errors.New("httpapi: review scheduler is required")
	}
	a := &API{
		mux:         http.NewServeMux(),
		eval:        cfg.Evaluator,
		guard:       cfg.Guard,
		delegations: cfg.Delegations,
		reviews:     cfg.Reviews,
		ready:       cfg.Ready,
		tokens:      cfg.Tokens,
		validate:    newValidator(),
		version:     cfg.Version,
		rateBurst:   cfg.RateBurst,
		ratePerSec:  cfg.RatePerSecond,
		proxies:     trustedProxies(cfg.TrustedProxies),
		now:         cfg.Clock,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.now == nil {
		a.now = time.Now
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/access/check", a.handleAccessCheck)
	a.mux.HandleFunc("/v1/users/{id}/permissions/minimal", a.handleMinimalPermissions)
	a.mux.HandleFunc("/v1/users/{id}/grants", a.handleActiveGrants)
	a.mux.HandleFunc("/v1/delegations/temporary", a.handleTemporaryDelegation)
	a.mux.HandleFunc("/v1/delegations/permanent", a.handlePermanentDelegation)
	a.mux.HandleFunc("/v1/reviews/candidates", a.handleReviewCandidates)
	a.mux.HandleFunc("/v1/reviews", a.handleReviews)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the middleware chain. The route guard runs
// after identity so every request is checked with its resolved caller.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withRouteGuard(h)
	h = a.withIdentity(h)
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec, a.proxies)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeAndValidate decodes the body into dst and checks its validate tags.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, name+" is required")
		case "gt", "min":
			msgs = append(msgs, name+" must be greater than "+fe.Param())
		default:
			msgs = append(msgs, name+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
