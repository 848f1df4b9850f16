package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/juris-labs/caseledger/pkg/engine"
	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

// tenantHeader carries the caller's tenant. Authentication happens upstream;
// this service trusts the header and enforces isolation below it.
const tenantHeader = "X-Tenant-Id"

// Server wires the engine into an HTTP mux.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates the HTTP facade over an engine.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, logger: logger}
}

// Mux returns the route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/cases", s.tenant(s.handleIntake))
	mux.HandleFunc("GET /v1/cases/{id}", s.tenant(s.handleGetCase))
	mux.HandleFunc("POST /v1/cases/{id}/transition", s.tenant(s.handleTransition))
	mux.HandleFunc("POST /v1/cases/{id}/lock", s.tenant(s.handleLock))
	mux.HandleFunc("POST /v1/cases/{id}/unlock", s.tenant(s.handleUnlock))

	mux.HandleFunc("POST /v1/cases/{id}/facts", s.tenant(s.handleRecordFact))
	mux.HandleFunc("POST /v1/cases/{id}/contexts", s.tenant(s.handleRecordContext))
	mux.HandleFunc("POST /v1/cases/{id}/obligations", s.tenant(s.handleRecordObligation))
	mux.HandleFunc("POST /v1/cases/{id}/risks", s.tenant(s.handleRecordRisk))
	mux.HandleFunc("POST /v1/cases/{id}/actions", s.tenant(s.handleProposeAction))
	mux.HandleFunc("POST /v1/cases/{id}/missing-elements", s.tenant(s.handleFlagElement))
	mux.HandleFunc("POST /v1/cases/{id}/missing-elements/{elementID}/resolve", s.tenant(s.handleResolveElement))

	mux.HandleFunc("GET /v1/cases/{id}/timeline", s.tenant(s.handleTimeline))
	mux.HandleFunc("GET /v1/cases/{id}/transitions", s.tenant(s.handleTransitions))
	mux.HandleFunc("GET /v1/cases/{id}/audit", s.tenant(s.handleAudit))
	mux.HandleFunc("GET /v1/events/{eventID}/verify", s.tenant(s.handleVerifyEvent))
	mux.HandleFunc("GET /v1/events/count", s.tenant(s.handleCountEvents))

	return mux
}

// tenant wraps a handler with tenant-header extraction.
func (s *Server) tenant(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
		if tenantID == "" {
			WriteProblem(w, r, http.StatusBadRequest, "Bad Request",
				fmt.Sprintf("%s header is required", tenantHeader))
			return
		}
		next(w, r, tenantID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "malformed request body: "+err.Error())
		return false
	}
	return true
}

// actorPayload is the acting identity as carried in request bodies.
type actorPayload struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func (a actorPayload) actor() engine.Actor {
	return engine.Actor{Type: eventlog.ActorType(a.Type), ID: a.ID}
}

type intakeBody struct {
	CaseID         string         `json:"case_id,omitempty"`
	SourceType     string         `json:"source_type"`
	SourceRaw      string         `json:"source_raw"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`
	ProcedureHint  string         `json:"procedure_hint,omitempty"`
	Actor          actorPayload   `json:"actor"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body intakeBody
	if !decodeJSON(w, r, &body) {
		return
	}

	c, err := s.engine.Intake(r.Context(), engine.IntakeRequest{
		TenantID:       tenantID,
		CaseID:         body.CaseID,
		SourceType:     body.SourceType,
		SourceRaw:      body.SourceRaw,
		SourceMetadata: body.SourceMetadata,
		ProcedureHint:  body.ProcedureHint,
		Actor:          body.Actor.actor(),
	})
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request, tenantID string) {
	c, err := s.engine.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type transitionBody struct {
	To            string       `json:"to_state"`
	Reason        string       `json:"reason,omitempty"`
	ProcedureType string       `json:"procedure_type,omitempty"`
	Actor         actorPayload `json:"actor"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body transitionBody
	if !decodeJSON(w, r, &body) {
		return
	}

	c, err := s.engine.Transition(r.Context(), engine.TransitionRequest{
		TenantID:      tenantID,
		CaseID:        r.PathValue("id"),
		To:            workspace.State(body.To),
		Actor:         body.Actor.actor(),
		Reason:        body.Reason,
		ProcedureType: body.ProcedureType,
	})
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type lockBody struct {
	Reason string       `json:"reason,omitempty"`
	Actor  actorPayload `json:"actor"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body lockBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.Lock(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Reason)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body lockBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.Unlock(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Reason)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type factBody struct {
	Text   string       `json:"text"`
	Source string       `json:"source,omitempty"`
	Actor  actorPayload `json:"actor"`
}

func (s *Server) handleRecordFact(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body factBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.RecordFact(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Text, body.Source)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type contextBody struct {
	Kind  string       `json:"kind,omitempty"`
	Text  string       `json:"text"`
	Actor actorPayload `json:"actor"`
}

func (s *Server) handleRecordContext(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body contextBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.RecordContext(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Kind, body.Text)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type obligationBody struct {
	Text  string       `json:"text"`
	DueAt *time.Time   `json:"due_at,omitempty"`
	Actor actorPayload `json:"actor"`
}

func (s *Server) handleRecordObligation(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body obligationBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.RecordObligation(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Text, body.DueAt)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type riskBody struct {
	Text     string       `json:"text"`
	Severity string       `json:"severity,omitempty"`
	Actor    actorPayload `json:"actor"`
}

func (s *Server) handleRecordRisk(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body riskBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.RecordRisk(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Text, body.Severity)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type actionBody struct {
	Text  string       `json:"text"`
	Kind  string       `json:"kind,omitempty"`
	Actor actorPayload `json:"actor"`
}

func (s *Server) handleProposeAction(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body actionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.ProposeAction(r.Context(), tenantID, r.PathValue("id"), body.Actor.actor(), body.Text, body.Kind)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type flagBody struct {
	Description string       `json:"description"`
	Importance  string       `json:"importance"`
	Actor       actorPayload `json:"actor"`
}

func (s *Server) handleFlagElement(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body flagBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.FlagMissingElement(r.Context(), tenantID, r.PathValue("id"),
		body.Actor.actor(), body.Description, workspace.Importance(body.Importance))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveBody struct {
	Actor actorPayload `json:"actor"`
}

func (s *Server) handleResolveElement(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body resolveBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.ResolveMissingElement(r.Context(), tenantID, r.PathValue("id"),
		r.PathValue("elementID"), body.Actor.actor())
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, tenantID string) {
	events, err := s.engine.Timeline(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request, tenantID string) {
	recs, err := s.engine.Transitions(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": recs})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, tenantID string) {
	caseID := r.PathValue("id")

	failed, err := s.engine.VerifyTimeline(r.Context(), tenantID, caseID)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}

	replayErr := s.engine.Audit(r.Context(), tenantID, caseID)
	switch {
	case replayErr == nil && len(failed) == 0:
		writeJSON(w, http.StatusOK, map[string]any{"consistent": true})
	case replayErr != nil && !errors.Is(replayErr, workspace.ErrReplayDiverged):
		writeDomainError(w, r, s.logger, replayErr)
	default:
		resp := map[string]any{"consistent": false}
		if len(failed) > 0 {
			resp["failed_events"] = failed
		}
		if replayErr != nil {
			resp["replay_error"] = replayErr.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleVerifyEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	eventID := r.PathValue("eventID")
	ok, err := s.engine.VerifyEvent(r.Context(), eventID)
	if err != nil && !errors.Is(err, eventlog.ErrIntegrityMismatch) {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "valid": ok})
}

func (s *Server) handleCountEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	q := r.URL.Query()
	n, err := s.engine.CountEvents(r.Context(), eventlog.Filter{
		TenantID:   tenantID,
		EventType:  eventlog.EventType(q.Get("event_type")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Checksum:   q.Get("checksum"),
	})
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}
