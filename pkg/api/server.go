package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Ordinal-Systems/canongate/pkg/authority"
	"github.com/Ordinal-Systems/canongate/pkg/contracts"
	"github.com/Ordinal-Systems/canongate/pkg/denial"
	"github.com/Ordinal-Systems/canongate/pkg/export"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
	"github.com/Ordinal-Systems/canongate/pkg/observability"
	"github.com/Ordinal-Systems/canongate/pkg/promotion"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// TenantLimiter is the optional cross-replica quota check. Nil disables it.
type TenantLimiter interface {
	Allow(ctx context.Context, tenantID string, cost int) (bool, error)
}

// Server exposes the decision, denial, ledger and promotion surfaces over HTTP.
type Server struct {
	engine   *authority.Engine
	recorder *denial.Recorder
	store    ledger.Store
	gate     *promotion.Gate
	registry *promotion.Registry
	exporter *export.Exporter
	obs      *observability.Provider
	tenants  TenantLimiter
	logger   *slog.Logger
}

// NewServer wires the HTTP surface over the core components. The exporter,
// observability provider and tenant limiter may be nil.
func NewServer(
	engine *authority.Engine,
	recorder *denial.Recorder,
	store ledger.Store,
	gate *promotion.Gate,
	registry *promotion.Registry,
	exporter *export.Exporter,
	obs *observability.Provider,
	tenants TenantLimiter,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		recorder: recorder,
		store:    store,
		gate:     gate,
		registry: registry,
		exporter: exporter,
		obs:      obs,
		tenants:  tenants,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the route table with rate limiting and auth applied.
func (s *Server) Routes(rl *GlobalRateLimiter, jwtSecret []byte) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decisions", s.HandleDecide)
	mux.HandleFunc("GET /v1/denials", s.HandleDenials)
	mux.HandleFunc("GET /v1/chains/{id}", s.HandleChain)
	mux.HandleFunc("GET /v1/chains/{id}/verify", s.HandleVerifyChain)
	mux.HandleFunc("GET /v1/chains/{id}/export", s.HandleExportChain)
	mux.HandleFunc("POST /v1/promotions", s.HandlePromote)
	mux.HandleFunc("GET /v1/canon", s.HandleCanon)
	mux.HandleFunc("GET /healthz", s.HandleHealth)

	var handler http.Handler = mux
	handler = JWTAuth(jwtSecret)(handler)
	if rl != nil {
		handler = rl.Middleware(handler)
	}
	return handler
}

// HandleDecide handles POST /v1/decisions.
func (s *Server) HandleDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req authority.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	// An authenticated principal overrides whatever actor the body claims.
	if p, ok := PrincipalFrom(r.Context()); ok {
		req.Actor.SubjectID = p.SubjectID
		req.Actor.TenantID = p.TenantID
		req.Actor.Role = p.Role
	}

	if s.tenants != nil && req.Actor.TenantID != "" {
		allowed, err := s.tenants.Allow(r.Context(), req.Actor.TenantID, 1)
		if err != nil {
			s.logger.WarnContext(r.Context(), "tenant limiter unavailable, admitting request", "error", err)
		} else if !allowed {
			WriteTooManyRequests(w, 10)
			return
		}
	}

	started := time.Now()
	decision, err := s.engine.Decide(r.Context(), req)
	if err != nil {
		if authority.IsValidation(err) {
			WriteBadRequest(w, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "decision pipeline failed", "error", err)
		WriteInternal(w, "decision could not be recorded")
		return
	}
	if s.obs != nil {
		s.obs.RecordDecision(r.Context(), string(decision.Outcome), time.Since(started))
	}

	status := http.StatusOK
	if decision.Outcome == contracts.OutcomeDeny {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

// HandleDenials handles GET /v1/denials, the "why was this denied" query.
func (s *Server) HandleDenials(w http.ResponseWriter, r *http.Request) {
	q := denial.Query{
		ActionID: r.URL.Query().Get("action_id"),
		TenantID: r.URL.Query().Get("tenant_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	traces, err := s.recorder.GetDeniedDecisions(r.Context(), q)
	if err != nil {
		if errors.Is(err, denial.ErrFilterRequired) {
			WriteBadRequest(w, "at least one of action_id or tenant_id is required")
			return
		}
		s.logger.ErrorContext(r.Context(), "denial query failed", "error", err)
		WriteInternal(w, "denial traces could not be read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(traces),
		"traces": traces,
	})
}

// HandleChain handles GET /v1/chains/{id}.
func (s *Server) HandleChain(w http.ResponseWriter, r *http.Request) {
	chainID := r.PathValue("id")
	entries, err := s.store.ReadChain(r.Context(), chainID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "chain read failed", "chain_id", chainID, "error", err)
		WriteInternal(w, "chain could not be read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain_id": chainID,
		"count":    len(entries),
		"entries":  entries,
	})
}

// HandleVerifyChain handles GET /v1/chains/{id}/verify.
func (s *Server) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	chainID := r.PathValue("id")
	verification, err := s.store.Verify(r.Context(), chainID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "chain verification failed", "chain_id", chainID, "error", err)
		WriteInternal(w, "chain could not be verified")
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

// HandleExportChain handles GET /v1/chains/{id}/export.
func (s *Server) HandleExportChain(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteNotFound(w, "export is not configured")
		return
	}
	chainID := r.PathValue("id")
	bundle, err := s.exporter.ExportChain(r.Context(), chainID)
	if err != nil {
		if errors.Is(err, export.ErrEmptyChain) {
			WriteNotFound(w, "chain has no entries")
			return
		}
		s.logger.ErrorContext(r.Context(), "chain export failed", "chain_id", chainID, "error", err)
		WriteInternal(w, "chain could not be exported")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// PromotionRequest is the body of POST /v1/promotions.
type PromotionRequest struct {
	Candidate contracts.PromotionCandidate `json:"candidate"`
	Target    contracts.PromotionLevel     `json:"target"`
	Tests     contracts.PromotionTests     `json:"tests"`
}

// HandlePromote handles POST /v1/promotions. Approved promotions to CANON
// are committed to the registry and recorded on the canon ledger chain.
func (s *Server) HandlePromote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req PromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Candidate.ItemID == "" || req.Candidate.InvariantName == "" {
		WriteBadRequest(w, "Missing required fields: candidate.item_id, candidate.invariant_name")
		return
	}

	decision := s.gate.Promote(req.Candidate, req.Target, req.Tests)

	if decision.Approved && decision.To == contracts.LevelCanon {
		if err := s.registry.Commit(req.Candidate, decision); err != nil {
			if errors.Is(err, promotion.ErrCanonConflict) {
				WriteError(w, http.StatusConflict, "Conflict", err.Error())
				return
			}
			WriteBadRequest(w, err.Error())
			return
		}
	}

	if _, err := s.store.Append(r.Context(), "canon:promotions", decision); err != nil {
		s.logger.ErrorContext(r.Context(), "promotion decision not recorded", "item_id", req.Candidate.ItemID, "error", err)
		WriteInternal(w, "promotion decision could not be recorded")
		return
	}

	status := http.StatusOK
	if !decision.Approved {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

// HandleCanon handles GET /v1/canon, listing promoted invariants.
func (s *Server) HandleCanon(w http.ResponseWriter, r *http.Request) {
	rules := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(rules),
		"rules": rules,
	})
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
