package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/juris-labs/caseledger/pkg/canonical"
	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

// IntakeRequest is an inbound message opening a new case.
type IntakeRequest struct {
	TenantID string
	CaseID   string // optional; generated when empty

	SourceType     string
	SourceRaw      string
	SourceMetadata map[string]any

	// ProcedureHint is an optional upstream guess at the procedure type. It
	// does not classify the case; classification is its own transition.
	ProcedureHint string

	Actor Actor
}

// Source metadata is validated per source type so malformed producers fail
// at the door instead of poisoning downstream analysis.
var sourceSchemas = map[string]*jsonschema.Schema{
	"email": jsonschema.MustCompileString("email.json", `{
		"type": "object",
		"required": ["from"],
		"properties": {
			"from":       {"type": "string", "minLength": 1},
			"to":         {"type": "string"},
			"subject":    {"type": "string"},
			"message_id": {"type": "string"}
		}
	}`),
	"upload": jsonschema.MustCompileString("upload.json", `{
		"type": "object",
		"required": ["filename"],
		"properties": {
			"filename":     {"type": "string", "minLength": 1},
			"content_type": {"type": "string"},
			"size_bytes":   {"type": "integer", "minimum": 0}
		}
	}`),
	"api": jsonschema.MustCompileString("api.json", `{
		"type": "object",
		"required": ["client_id"],
		"properties": {
			"client_id":  {"type": "string", "minLength": 1},
			"request_id": {"type": "string"}
		}
	}`),
	"chat": jsonschema.MustCompileString("chat.json", `{
		"type": "object",
		"required": ["conversation_id"],
		"properties": {
			"conversation_id": {"type": "string", "minLength": 1},
			"participant":     {"type": "string"}
		}
	}`),
}

// SourceTypes lists the accepted intake source types.
func SourceTypes() []string {
	out := make([]string, 0, len(sourceSchemas))
	for st := range sourceSchemas {
		out = append(out, st)
	}
	return out
}

func validateIntake(req *IntakeRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", eventlog.ErrValidation)
	}
	if req.SourceRaw == "" {
		return fmt.Errorf("%w: source_raw is required", eventlog.ErrValidation)
	}
	schema, ok := sourceSchemas[req.SourceType]
	if !ok {
		return fmt.Errorf("%w: source_type %q is not one of [%s]",
			eventlog.ErrValidation, req.SourceType, strings.Join(SourceTypes(), ", "))
	}
	meta := req.SourceMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	if err := schema.Validate(meta); err != nil {
		return fmt.Errorf("%w: source_metadata: %v", eventlog.ErrValidation, err)
	}
	return req.Actor.validate()
}

// Intake opens a case in RECEIVED with uncertainty 1.0 and appends its
// CASE_RECEIVED event atomically.
func (e *Engine) Intake(ctx context.Context, req IntakeRequest) (*workspace.Case, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Intake")
	defer span.End()

	if err := validateIntake(&req); err != nil {
		return nil, err
	}

	caseID := req.CaseID
	if caseID == "" {
		caseID = e.newID()
	}
	span.SetAttributes(
		attribute.String("case.id", caseID),
		attribute.String("case.source_type", req.SourceType),
	)

	now := e.now().UTC()
	c := &workspace.Case{
		ID:               caseID,
		TenantID:         req.TenantID,
		CurrentState:     workspace.StateReceived,
		UncertaintyLevel: 1.0,
		SourceType:       req.SourceType,
		SourceRaw:        req.SourceRaw,
		SourceMetadata:   req.SourceMetadata,
		ProcedureType:    req.ProcedureHint,
		Facts:            []workspace.Fact{},
		Contexts:         []workspace.ContextItem{},
		Obligations:      []workspace.Obligation{},
		MissingElements:  []workspace.MissingElement{},
		Risks:            []workspace.Risk{},
		ProposedActions:  []workspace.ProposedAction{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	evt := e.draft(req.TenantID, caseID, eventlog.EventCaseReceived, req.Actor, workspace.IntakePayload(c))
	e.observeDuplicate(ctx, req)

	created, err := e.store.Create(ctx, c, evt)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordIntake(ctx, req.SourceType)
	}

	e.logger.InfoContext(ctx, "case received",
		slog.String("tenant_id", req.TenantID),
		slog.String("case_id", caseID),
		slog.String("source_type", req.SourceType),
	)
	return created, nil
}

// observeDuplicate counts identical intake content per tenant. The digest
// covers the source triple only, never the generated case id, so resubmitted
// content collides as intended. Best effort: a counter outage never blocks
// intake.
func (e *Engine) observeDuplicate(ctx context.Context, req IntakeRequest) {
	if e.dedup == nil {
		return
	}
	meta := req.SourceMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	checksum, err := canonical.Digest(map[string]any{
		"tenant_id":       req.TenantID,
		"source_type":     req.SourceType,
		"source_raw":      req.SourceRaw,
		"source_metadata": meta,
	})
	if err != nil {
		return
	}
	seen, err := e.dedup.Observe(ctx, checksum)
	if err != nil {
		e.logger.WarnContext(ctx, "duplicate counter unavailable", slog.String("error", err.Error()))
		return
	}
	if seen > 1 {
		e.logger.WarnContext(ctx, "duplicate intake content",
			slog.String("checksum", checksum),
			slog.Int64("seen", seen),
		)
	}
}
