package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
}

func newTestWorker(t *testing.T, b domain.EventBus, repo domain.Repository) *Worker {
	t.Helper()

	rulesEngine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("rules.NewEngine failed: %v", err)
	}

	w := NewWorker(
		b,
		repo,
		schema.NewMapper(),
		scoring.NewEngine(fixedClock),
		rulesEngine,
		narrative.NewNoopNarrator(),
		10,
	)
	t.Cleanup(func() { w.Stop() })
	return w
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestWorkerAuditsDataset(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	ds := &domain.Dataset{
		ID:       "ds-1",
		TenantID: tenantID,
		Name:     "export",
		Headers:  []string{"service", "amount", "uses_per_month", "last_used_date"},
		Rows: []domain.RawRecord{
			{
				"service":        domain.TextCell("DustyTool"),
				"amount":         domain.TextCell("120"),
				"uses_per_month": domain.TextCell("0"),
				"last_used_date": domain.TextCell("2024-01-01"),
			},
			{
				"service":        domain.TextCell("DailyDriver"),
				"amount":         domain.TextCell("10"),
				"uses_per_month": domain.TextCell("20"),
				"last_used_date": domain.TextCell("2025-06-14"),
			},
		},
		CreatedAt: time.Now().Unix(),
	}
	if err := repo.SaveDataset(ctx, tenantID, ds); err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}

	completed := make(chan *domain.Message, 1)
	if _, err := b.Subscribe(ctx, tenantID, domain.TopicAuditCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	alerts := make(chan *domain.Message, 1)
	if _, err := b.Subscribe(ctx, tenantID, domain.TopicCancelAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	w := newTestWorker(t, b, repo)
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload, _ := json.Marshal(DatasetMessage{DatasetID: "ds-1", TenantID: tenantID})
	if err := b.Publish(ctx, tenantID, domain.TopicDatasetIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-completed:
		var rep domain.Report
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			t.Fatalf("bad report payload: %v", err)
		}
		if rep.Counts.Total != 2 {
			t.Errorf("total = %d, want 2", rep.Counts.Total)
		}
		if rep.Counts.Cancel != 1 {
			t.Errorf("cancel = %d, want 1 (DustyTool)", rep.Counts.Cancel)
		}
		if rep.Candidates[0].Service != "DustyTool" {
			t.Errorf("lowest score first, got %q", rep.Candidates[0].Service)
		}
		if rep.ID == "" || rep.GeneratedAt.IsZero() {
			t.Error("report should carry an ID and timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit result")
	}

	select {
	case msg := <-alerts:
		var alert CancelAlert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			t.Fatalf("bad alert payload: %v", err)
		}
		if alert.CancelCount != 1 || alert.TopService != "DustyTool" {
			t.Errorf("alert = %+v", alert)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel alert")
	}
}

func TestWorkerNoAlertWithoutCancels(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	ds := &domain.Dataset{
		ID:      "ds-keep",
		Name:    "healthy",
		Headers: []string{"service", "amount", "uses_per_month", "last_used_date"},
		Rows: []domain.RawRecord{
			{
				"service":        domain.TextCell("DailyDriver"),
				"amount":         domain.TextCell("10"),
				"uses_per_month": domain.TextCell("20"),
				"last_used_date": domain.TextCell("2025-06-14"),
			},
		},
		CreatedAt: time.Now().Unix(),
	}
	if err := repo.SaveDataset(ctx, tenantID, ds); err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}

	completed := make(chan struct{}, 1)
	_, _ = b.Subscribe(ctx, tenantID, domain.TopicAuditCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed <- struct{}{}
		return nil
	})
	alerts := make(chan struct{}, 1)
	_, _ = b.Subscribe(ctx, tenantID, domain.TopicCancelAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- struct{}{}
		return nil
	})

	w := newTestWorker(t, b, repo)
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload, _ := json.Marshal(DatasetMessage{DatasetID: "ds-keep"})
	_ = b.Publish(ctx, tenantID, domain.TopicDatasetIngested, payload)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit result")
	}

	select {
	case <-alerts:
		t.Fatal("no alert expected for an all-keep audit")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerStats(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	w := newTestWorker(t, b, newTestRepo(t))
	if err := w.Start(Config{TenantIDs: []string{"t1", "t2"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("subscriptions = %d, want 2", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("subscriptions should be cleared after Stop")
	}
}
