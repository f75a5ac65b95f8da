// Package worker provides async audit processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker audits stored datasets asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	mapper   *schema.Mapper
	scorer   *scoring.Engine
	rules    *rules.Engine
	narrator domain.Narrator
	topK     int

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the
	// global subscription)
	TenantIDs []string

	// TopK is how many cancel candidates go to the narrator
	TopK int
}

// NewWorker creates a new async audit worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, mapper *schema.Mapper, scorer *scoring.Engine, rulesEngine *rules.Engine, narrator domain.Narrator, topK int) *Worker {
	if topK <= 0 {
		topK = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		mapper:   mapper,
		scorer:   scorer,
		rules:    rulesEngine,
		narrator: narrator,
		topK:     topK,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing dataset-ingested events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.TopK > 0 {
		w.topK = cfg.TopK
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started", "tenant_count", len(cfg.TenantIDs))

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicDatasetIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDatasetIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processDataset(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDatasetIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processDataset(ctx, msg.TenantID, msg)
}

// DatasetMessage is the payload announcing a stored dataset to audit.
type DatasetMessage struct {
	DatasetID string `json:"datasetId"`
	TenantID  string `json:"tenantId"`
	TraceID   string `json:"traceId,omitempty"`
}

// CancelAlert is the payload published when an audit suggests cancellations.
type CancelAlert struct {
	ReportID    string  `json:"reportId"`
	DatasetID   string  `json:"datasetId"`
	TenantID    string  `json:"tenantId"`
	CancelCount int     `json:"cancelCount"`
	TopService  string  `json:"topService,omitempty"`
	TopScore    float64 `json:"topScore,omitempty"`
}

// processDataset runs the full audit pipeline for one stored dataset.
func (w *Worker) processDataset(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var dsMsg DatasetMessage
	if err := json.Unmarshal(msg.Payload, &dsMsg); err != nil {
		slog.Error("failed to parse dataset message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if dsMsg.TenantID != "" {
		tenantID = dsMsg.TenantID
	}

	traceID := dsMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("auditing dataset",
		"dataset_id", dsMsg.DatasetID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	ds, err := w.repo.GetDataset(ctx, tenantID, dsMsg.DatasetID)
	if err != nil {
		slog.Error("failed to load dataset",
			"dataset_id", dsMsg.DatasetID,
			"tenant_id", tenantID,
			"error", err,
		)
		return fmt.Errorf("load dataset %s: %w", dsMsg.DatasetID, err)
	}

	// 1. Bind columns, score, annotate
	mapping := w.mapper.Map(ds.Headers)
	scored := w.scorer.ScoreTable(ds.Rows, mapping)
	if w.rules != nil && w.rules.RulesCount() > 0 {
		scored = w.rules.Annotate(scored)
	}

	// 2. Narrative for the top cancel candidates (best effort)
	narrative := ""
	if w.narrator != nil {
		top := report.TopCancelCandidates(scored, w.topK)
		if text, nerr := w.narrator.Explain(ctx, top); nerr == nil {
			narrative = text
		} else {
			slog.Warn("narrator failed", "dataset_id", ds.ID, "error", nerr)
		}
	}

	// 3. Compose the report
	rep := report.Compose(scored, narrative)
	rep.ID = uuid.New().String()
	rep.TenantID = tenantID
	rep.GeneratedAt = time.Now().UTC()

	// 4. Publish the completed report
	payload, _ := json.Marshal(rep)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicAuditCompleted, payload); err != nil {
		slog.Error("failed to publish audit result",
			"dataset_id", ds.ID,
			"error", err,
		)
	}

	// 5. Alert when the audit suggests cancellations
	if rep.Counts.Cancel > 0 {
		alert := CancelAlert{
			ReportID:    rep.ID,
			DatasetID:   ds.ID,
			TenantID:    tenantID,
			CancelCount: rep.Counts.Cancel,
		}
		if len(rep.Cancel) > 0 {
			alert.TopService = rep.Cancel[0].Service
			alert.TopScore = rep.Cancel[0].Score
		}
		alertPayload, _ := json.Marshal(alert)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicCancelAlert, alertPayload); err != nil {
			slog.Error("failed to publish cancel alert",
				"dataset_id", ds.ID,
				"error", err,
			)
		}
	}

	slog.Info("dataset audited",
		"dataset_id", ds.ID,
		"tenant_id", tenantID,
		"report_id", rep.ID,
		"total", rep.Counts.Total,
		"cancel", rep.Counts.Cancel,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
