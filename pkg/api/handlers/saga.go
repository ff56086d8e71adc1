package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/api/models"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// SagaReader reads the instances of one workflow. *saga.Orchestrator
// satisfies it.
type SagaReader interface {
	Get(ctx context.Context, correlationID string) (*saga.Instance, error)
	List(ctx context.Context, filter saga.InstanceFilter) ([]*saga.Instance, int, error)
}

// SagaHandler serves read-only saga inspection endpoints.
type SagaHandler struct {
	readers map[string]SagaReader
	journal saga.Journal
	logger  logger.Logger
}

// NewSagaHandler creates a saga handler over readers keyed by workflow name.
// journal may be nil, in which case the journal endpoint reports 404.
func NewSagaHandler(readers map[string]SagaReader, journal saga.Journal, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{readers: readers, journal: journal, logger: log}
}

// ListWorkflows handles GET /api/v1/sagas.
func (h *SagaHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.readers))
	for name := range h.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	response.JSON(w, http.StatusOK, models.WorkflowListResponse{Workflows: names})
}

// ListSagas handles GET /api/v1/sagas/{workflow}.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	workflow, reader, ok := h.reader(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		h.fail(w, r, fmt.Errorf("%w: limit must be between 1 and %d", response.ErrInvalidQuery, maxListLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		h.fail(w, r, fmt.Errorf("%w: offset must be a non-negative integer", response.ErrInvalidQuery))
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))

	instances, total, err := reader.List(r.Context(), saga.InstanceFilter{
		State:  saga.State(state),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, fmt.Errorf("list %s sagas: %w", workflow, err))
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, inst := range instances {
		items = append(items, models.SagaSummary{
			CorrelationID:  inst.CorrelationID,
			State:          inst.State.String(),
			Version:        inst.Version,
			IsCompleted:    inst.IsCompleted,
			IsFailed:       inst.IsFailed,
			NeedsAttention: inst.NeedsAttention,
			UpdatedAt:      inst.UpdatedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Workflow: workflow,
		Items:    items,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// GetSaga handles GET /api/v1/sagas/{workflow}/{correlationID}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	workflow, reader, ok := h.reader(w, r)
	if !ok {
		return
	}
	correlationID := chi.URLParam(r, "correlationID")

	inst, err := reader.Get(r.Context(), correlationID)
	if err != nil {
		h.fail(w, r, fmt.Errorf("load %s/%s: %w", workflow, correlationID, err))
		return
	}
	response.JSON(w, http.StatusOK, instanceResponse(inst))
}

// GetJournal handles GET /api/v1/sagas/{workflow}/{correlationID}/journal.
func (h *SagaHandler) GetJournal(w http.ResponseWriter, r *http.Request) {
	workflow, _, ok := h.reader(w, r)
	if !ok {
		return
	}
	correlationID := chi.URLParam(r, "correlationID")
	if h.journal == nil {
		h.fail(w, r, response.ErrJournalDisabled)
		return
	}

	entries, err := h.journal.List(r.Context(), workflow, correlationID)
	if err != nil {
		h.fail(w, r, fmt.Errorf("read journal of %s/%s: %w", workflow, correlationID, err))
		return
	}
	if len(entries) == 0 {
		h.fail(w, r, fmt.Errorf("journal of %s/%s: %w", workflow, correlationID, saga.ErrInstanceNotFound))
		return
	}

	out := models.JournalResponse{
		Workflow:      workflow,
		CorrelationID: correlationID,
		Entries:       make([]models.JournalEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		commands := make([]string, 0, len(e.Commands))
		for _, c := range e.Commands {
			commands = append(commands, string(c))
		}
		out.Entries = append(out.Entries, models.JournalEntryResponse{
			Sequence:    e.Sequence,
			Version:     e.Version,
			From:        e.From.String(),
			To:          e.To.String(),
			MessageType: string(e.MessageType),
			Rule:        e.Rule,
			Commands:    commands,
			Error:       e.Error,
			Timestamp:   e.Timestamp,
		})
	}
	response.JSON(w, http.StatusOK, out)
}

func (h *SagaHandler) reader(w http.ResponseWriter, r *http.Request) (string, SagaReader, bool) {
	workflow := chi.URLParam(r, "workflow")
	reader, ok := h.readers[workflow]
	if !ok {
		h.fail(w, r, fmt.Errorf("%w: %s", response.ErrUnknownWorkflow, workflow))
		return "", nil, false
	}
	return workflow, reader, true
}

// fail writes the classified error. Server-side failures are logged with
// their cause, which the client never sees.
func (h *SagaHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := response.HandleError(w, err, middleware.GetRequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "saga inspection failed",
			"path", r.URL.Path, "status", status, "error", err)
	}
}

func instanceResponse(inst *saga.Instance) models.SagaInstanceResponse {
	effects := make([]models.EffectResponse, 0, len(inst.Effects))
	for _, e := range inst.Effects {
		effects = append(effects, models.EffectResponse{
			Name:        e.Name,
			Ref:         e.Ref,
			Status:      e.Status,
			CompletedAt: e.CompletedAt,
		})
	}
	fields := make(map[string]string, len(inst.Fields))
	for k, v := range inst.Fields {
		// Credential material never leaves the engine.
		if strings.Contains(k, "password") {
			continue
		}
		fields[k] = v
	}
	return models.SagaInstanceResponse{
		Workflow:       inst.Workflow,
		CorrelationID:  inst.CorrelationID,
		State:          inst.State.String(),
		Version:        inst.Version,
		Fields:         fields,
		Effects:        effects,
		Milestones:     inst.Milestones,
		IsCompleted:    inst.IsCompleted,
		IsFailed:       inst.IsFailed,
		NeedsAttention: inst.NeedsAttention,
		ErrorMessage:   inst.ErrorMessage,
		PendingOutbox:  len(inst.Outbox),
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
