package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig sets table TTLs. Zero keeps the TTL from the migration.
type RetentionConfig struct {
	TransitionsTTL time.Duration `yaml:"transitions_ttl"`
	QuarantineTTL  time.Duration `yaml:"quarantine_ttl"`
}

type ttlPolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (r RetentionConfig) policies() []ttlPolicy {
	return []ttlPolicy{
		{TransitionsTable, "at", r.TransitionsTTL},
		{QuarantineTable, "quarantined_at", r.QuarantineTTL},
	}
}

// ttlStatement renders the ALTER for one policy, rounding up to whole days.
func ttlStatement(p ttlPolicy) string {
	days := int((p.ttl + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeIdent(p.table), sanitizeIdent(p.column), days)
}

// ApplyRetention updates table TTLs after migrations. Failures are logged
// and skipped so a missing table does not block startup.
func ApplyRetention(ctx context.Context, client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range cfg.policies() {
		if p.ttl <= 0 {
			continue
		}
		if err := client.Exec(ctx, ttlStatement(p)); err != nil {
			logger.Warn("failed to apply retention policy", "table", p.table, "error", err)
			continue
		}
		logger.Info("applied retention policy", "table", p.table, "ttl", p.ttl)
	}
}
