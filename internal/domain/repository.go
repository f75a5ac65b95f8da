package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
//
// Kestrel persists inputs and configuration (datasets, watch rules, alias
// overrides), never computed scores: reports are recomputed on every audit.
type Repository interface {
	// Dataset operations
	SaveDataset(ctx context.Context, tenantID string, ds *Dataset) error
	GetDataset(ctx context.Context, tenantID string, datasetID string) (*Dataset, error)
	ListDatasets(ctx context.Context, tenantID string) ([]*Dataset, error)

	// Watch rule operations
	SaveWatchRule(ctx context.Context, tenantID string, rule *WatchRule) error
	GetWatchRule(ctx context.Context, tenantID string, ruleID string) (*WatchRule, error)
	ListWatchRules(ctx context.Context, tenantID string) ([]*WatchRule, error)
	DeleteWatchRule(ctx context.Context, tenantID string, ruleID string) error

	// Header alias overrides for the schema mapper
	SaveFieldAlias(ctx context.Context, tenantID string, alias *FieldAlias) error
	ListFieldAliases(ctx context.Context, tenantID string) ([]*FieldAlias, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FieldAlias is a persisted extra header alias for a canonical field.
// Overrides are evaluated after the built-in dictionary, in Position order.
type FieldAlias struct {
	Field     string    `json:"field"`
	Alias     string    `json:"alias"`
	TenantID  string    `json:"tenantId"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
