package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// maxCSVBytes caps uploaded CSV bodies.
const maxCSVBytes = 16 << 20 // 16MB

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	mapper   *schema.Mapper
	scorer   *scoring.Engine
	rules    *rules.Engine
	narrator domain.Narrator
	version  string
	topK     int
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, mapper *schema.Mapper, scorer *scoring.Engine, rulesEngine *rules.Engine, narrator domain.Narrator, version string, topK int) *Handler {
	if topK <= 0 {
		topK = 10
	}
	if mapper == nil {
		mapper = schema.NewMapper()
	}
	if scorer == nil {
		scorer = scoring.NewEngine(nil)
	}
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		mapper:   mapper,
		scorer:   scorer,
		rules:    rulesEngine,
		narrator: narrator,
		version:  version,
		topK:     topK,
	}
}

// AuditRequest is the request body for POST /audit.
type AuditRequest struct {
	Name    string             `json:"name,omitempty"`
	Headers []string           `json:"headers,omitempty"`
	Rows    []domain.RawRecord `json:"rows"`
}

// Audit handles POST /audit: score a table submitted inline and return
// the full report. Nothing is persisted.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows are required",
		})
		return
	}

	headers := req.Headers
	if len(headers) == 0 {
		headers = collectHeaders(req.Rows)
	}

	rep := h.runAudit(r, headers, req.Rows)
	rep.TenantID = tenantID

	writeJSON(w, http.StatusOK, rep)
}

// AuditCSV handles POST /audit/csv: parse a raw delimited export from the
// request body, score it and return the full report.
func (h *Handler) AuditCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	data, err := io.ReadAll(io.LimitReader(r.Body, maxCSVBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	table, err := ingest.ReadTable(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unreadable table: " + err.Error(),
		})
		return
	}

	rep := h.runAudit(r, table.Headers, table.Rows)
	rep.TenantID = tenantID

	writeJSON(w, http.StatusOK, rep)
}

// runAudit executes the synchronous pipeline: bind, score, annotate,
// narrate, compose.
func (h *Handler) runAudit(r *http.Request, headers []string, rows []domain.RawRecord) *domain.Report {
	ctx := r.Context()

	mapping := h.mapper.Map(headers)
	scored := h.scorer.ScoreTable(rows, mapping)
	if h.rules != nil && h.rules.RulesCount() > 0 {
		scored = h.rules.Annotate(scored)
	}

	narrative := ""
	if h.narrator != nil {
		top := report.TopCancelCandidates(scored, h.topK)
		if text, err := h.narrator.Explain(ctx, top); err == nil {
			narrative = text
		} else {
			slog.Warn("narrator failed", "error", err)
		}
	}

	rep := report.Compose(scored, narrative)
	rep.ID = uuid.New().String()
	rep.GeneratedAt = time.Now().UTC()
	return rep
}

// collectHeaders derives a deterministic header list from row keys when
// the request omits headers.
func collectHeaders(rows []domain.RawRecord) []string {
	seen := make(map[string]struct{})
	var headers []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				headers = append(headers, col)
			}
		}
	}
	sort.Strings(headers)
	return headers
}

// CreateDatasetRequest is the request body for POST /datasets.
type CreateDatasetRequest struct {
	Name    string             `json:"name"`
	Headers []string           `json:"headers,omitempty"`
	Rows    []domain.RawRecord `json:"rows"`
}

// CreateDataset handles POST /datasets: store a table for later audits
// and announce it on the bus so async workers pick it up. Accepts either
// a JSON table or, with a text/csv content type, a raw delimited export.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CreateDatasetRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxCSVBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
			return
		}
		table, err := ingest.ReadTable(data)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unreadable table: " + err.Error(),
			})
			return
		}
		req.Name = r.URL.Query().Get("name")
		req.Headers = table.Headers
		req.Rows = table.Rows
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows are required",
		})
		return
	}

	headers := req.Headers
	if len(headers) == 0 {
		headers = collectHeaders(req.Rows)
	}

	ds := &domain.Dataset{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      req.Name,
		Headers:   headers,
		Rows:      req.Rows,
		CreatedAt: time.Now().Unix(),
	}

	if err := h.repo.SaveDataset(ctx, tenantID, ds); err != nil {
		slog.Error("failed to save dataset", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save dataset",
		})
		return
	}

	// Announce for async audit workers (best effort)
	if h.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"datasetId": ds.ID,
			"tenantId":  tenantID,
			"traceId":   traceID,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicDatasetIngested, payload); err != nil {
			slog.Error("failed to publish dataset event", "dataset_id", ds.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"datasetId": ds.ID,
		"rowCount":  len(ds.Rows),
	})
}

// DatasetSummary is the list representation of a stored dataset.
type DatasetSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Headers   []string `json:"headers"`
	RowCount  int      `json:"rowCount"`
	CreatedAt int64    `json:"createdAt"`
}

// ListDatasets handles GET /datasets.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	datasets, err := h.repo.ListDatasets(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list datasets", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list datasets",
		})
		return
	}

	summaries := make([]DatasetSummary, 0, len(datasets))
	for _, ds := range datasets {
		summaries = append(summaries, DatasetSummary{
			ID:        ds.ID,
			Name:      ds.Name,
			Headers:   ds.Headers,
			RowCount:  len(ds.Rows),
			CreatedAt: ds.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": summaries,
		"count":    len(summaries),
	})
}

// GetDataset handles GET /datasets/{id}.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	datasetID := chi.URLParam(r, "id")

	ds, err := h.repo.GetDataset(ctx, tenantID, datasetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "dataset not found",
			})
			return
		}
		slog.Error("failed to get dataset", "id", datasetID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get dataset",
		})
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

// AuditDataset handles POST /datasets/{id}/audit: re-run the audit for a
// stored dataset synchronously. Scores are never read back from storage.
func (h *Handler) AuditDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	datasetID := chi.URLParam(r, "id")

	ds, err := h.repo.GetDataset(ctx, tenantID, datasetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "dataset not found",
			})
			return
		}
		slog.Error("failed to get dataset", "id", datasetID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get dataset",
		})
		return
	}

	rep := h.runAudit(r, ds.Headers, ds.Rows)
	rep.TenantID = tenantID

	writeJSON(w, http.StatusOK, rep)
}

// ListRules returns all loaded watch rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.rules.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a watch rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a watch rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Note        string `json:"note"`
	Enabled     bool   `json:"enabled"`
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// CreateRule creates a new watch rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	rule := &domain.WatchRule{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Note:        req.Note,
		Enabled:     req.Enabled,
	}

	// Validate the CEL expression before persisting
	if err := h.rules.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}
	if rule.Enabled {
		if err := h.rules.LoadRule(rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid CEL expression: " + err.Error(),
			})
			return
		}
	}

	if h.repo != nil {
		if err := h.repo.SaveWatchRule(ctx, GlobalTenantID, rule); err != nil {
			slog.Error("failed to save watch rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("watch rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// DeleteRule soft-deletes a watch rule and unloads it from the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.repo != nil {
		if err := h.repo.DeleteWatchRule(ctx, GlobalTenantID, ruleID); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
	}

	h.rules.RemoveRule(ruleID)

	slog.Info("watch rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules reloads all watch rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListWatchRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.rules.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("watch rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// CreateAliasRequest is the request body for adding a header alias.
type CreateAliasRequest struct {
	Field    string `json:"field"`
	Alias    string `json:"alias"`
	Position int    `json:"position"`
}

// ListAliases returns all persisted header alias overrides.
func (h *Handler) ListAliases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	aliases, err := h.repo.ListFieldAliases(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list aliases", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list aliases",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"aliases": aliases,
		"count":   len(aliases),
	})
}

// CreateAlias adds a header alias for a canonical field and wires it into
// the live mapper.
func (h *Handler) CreateAlias(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Field == "" || req.Alias == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "field and alias are required",
		})
		return
	}
	if _, ok := schema.DefaultDictionary()[req.Field]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown canonical field: " + req.Field,
		})
		return
	}

	alias := &domain.FieldAlias{
		Field:    req.Field,
		Alias:    req.Alias,
		TenantID: GlobalTenantID,
		Position: req.Position,
	}

	if err := h.repo.SaveFieldAlias(ctx, GlobalTenantID, alias); err != nil {
		slog.Error("failed to save alias", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save alias",
		})
		return
	}

	h.mapper.AddAlias(alias)

	slog.Info("header alias created", "field", req.Field, "alias", req.Alias)
	writeJSON(w, http.StatusCreated, map[string]any{
		"alias": alias,
	})
}

// ReloadAliases reloads all alias overrides from the database into the mapper.
func (h *Handler) ReloadAliases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	aliases, err := h.repo.ListFieldAliases(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list aliases from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load aliases from database",
		})
		return
	}

	h.mapper.Reload(aliases)

	slog.Info("header aliases reloaded from database", "count", len(aliases))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "aliases reloaded successfully",
		"count":   len(aliases),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
