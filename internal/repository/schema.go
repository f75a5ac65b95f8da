package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaDatasets = `
CREATE TABLE IF NOT EXISTS datasets (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    headers TEXT NOT NULL,
    rows TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_datasets_tenant ON datasets(tenant_id);
CREATE INDEX IF NOT EXISTS idx_datasets_created ON datasets(tenant_id, created_at);
`

const schemaWatchRules = `
CREATE TABLE IF NOT EXISTS watch_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    note TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_watch_rules_tenant ON watch_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_watch_rules_enabled ON watch_rules(tenant_id, enabled);
`

const schemaFieldAliases = `
CREATE TABLE IF NOT EXISTS field_aliases (
    field TEXT NOT NULL,
    alias TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (field, alias, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_field_aliases_tenant ON field_aliases(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDatasets,
		schemaWatchRules,
		schemaFieldAliases,
	}
}
