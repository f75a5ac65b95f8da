// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDataset stores a raw table with tenant isolation. Saving an existing
// dataset ID replaces its contents.
func (r *SQLRepository) SaveDataset(ctx context.Context, tenantID string, ds *domain.Dataset) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if ds.ID == "" {
		return fmt.Errorf("%w: dataset ID is required", ErrInvalidInput)
	}

	headers, err := json.Marshal(ds.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	rows, err := json.Marshal(ds.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}

	query := `
		INSERT INTO datasets (id, tenant_id, name, headers, rows, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			headers = excluded.headers,
			rows = excluded.rows
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ds.ID, tenantID, ds.Name, string(headers), string(rows), ds.CreatedAt,
	)
	return err
}

// GetDataset retrieves a dataset by ID with tenant isolation.
func (r *SQLRepository) GetDataset(ctx context.Context, tenantID string, datasetID string) (*domain.Dataset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, headers, rows, created_at
		FROM datasets
		WHERE tenant_id = ? AND id = ?
	`

	var ds domain.Dataset
	var headers, rows string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, datasetID).Scan(
		&ds.ID, &ds.TenantID, &ds.Name, &headers, &rows, &ds.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(headers), &ds.Headers); err != nil {
		return nil, fmt.Errorf("failed to parse dataset headers: %w", err)
	}
	if err := json.Unmarshal([]byte(rows), &ds.Rows); err != nil {
		return nil, fmt.Errorf("failed to parse dataset rows: %w", err)
	}

	return &ds, nil
}

// ListDatasets retrieves all datasets for a tenant, newest first.
// Row payloads are included; callers listing for display should use
// the metadata fields only.
func (r *SQLRepository) ListDatasets(ctx context.Context, tenantID string) ([]*domain.Dataset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, headers, rows, created_at
		FROM datasets
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []*domain.Dataset
	for rows.Next() {
		var ds domain.Dataset
		var headers, rowData string

		if err := rows.Scan(&ds.ID, &ds.TenantID, &ds.Name, &headers, &rowData, &ds.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headers), &ds.Headers); err != nil {
			return nil, fmt.Errorf("failed to parse headers for %s: %w", ds.ID, err)
		}
		if err := json.Unmarshal([]byte(rowData), &ds.Rows); err != nil {
			return nil, fmt.Errorf("failed to parse rows for %s: %w", ds.ID, err)
		}
		datasets = append(datasets, &ds)
	}

	return datasets, rows.Err()
}

// SaveWatchRule stores a watch rule with tenant isolation.
func (r *SQLRepository) SaveWatchRule(ctx context.Context, tenantID string, rule *domain.WatchRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO watch_rules (
			id, tenant_id, name, description, expression, note, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			note = excluded.note,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, rule.Note, enabled,
		createdAt, now,
	)
	return err
}

// GetWatchRule retrieves a watch rule with tenant isolation.
func (r *SQLRepository) GetWatchRule(ctx context.Context, tenantID string, ruleID string) (*domain.WatchRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, note, enabled, created_at, updated_at
		FROM watch_rules
		WHERE tenant_id = ? AND id = ?
	`

	var rule domain.WatchRule
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&rule.Expression, &rule.Note, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListWatchRules retrieves all enabled watch rules for a tenant.
func (r *SQLRepository) ListWatchRules(ctx context.Context, tenantID string) ([]*domain.WatchRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, note, enabled, created_at, updated_at
		FROM watch_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.WatchRule
	for rows.Next() {
		var rule domain.WatchRule
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
			&rule.Expression, &rule.Note, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteWatchRule soft-deletes a watch rule by setting enabled = 0.
func (r *SQLRepository) DeleteWatchRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE watch_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveFieldAlias stores a header alias override with tenant isolation.
func (r *SQLRepository) SaveFieldAlias(ctx context.Context, tenantID string, alias *domain.FieldAlias) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if alias.Field == "" || alias.Alias == "" {
		return fmt.Errorf("%w: field and alias are required", ErrInvalidInput)
	}

	createdAt := alias.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO field_aliases (field, alias, tenant_id, position, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(field, alias, tenant_id) DO UPDATE SET
			position = excluded.position
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alias.Field, alias.Alias, tenantID, alias.Position, createdAt,
	)
	return err
}

// ListFieldAliases retrieves all alias overrides for a tenant in position order.
func (r *SQLRepository) ListFieldAliases(ctx context.Context, tenantID string) ([]*domain.FieldAlias, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT field, alias, tenant_id, position, created_at
		FROM field_aliases
		WHERE tenant_id = ?
		ORDER BY position, field, alias
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []*domain.FieldAlias
	for rows.Next() {
		var a domain.FieldAlias
		if err := rows.Scan(&a.Field, &a.Alias, &a.TenantID, &a.Position, &a.CreatedAt); err != nil {
			return nil, err
		}
		aliases = append(aliases, &a)
	}

	return aliases, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
