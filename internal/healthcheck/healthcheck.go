// Package healthcheck runs the process/database resource-exhaustion check
// SPEC_FULL.md adds as ambient stack for the daemon: process RSS/CPU sampled
// via gopsutil, database file size and WAL growth sampled by statting the
// store's file, each cycle, with a RiskEvent(WARN, ...) raised the moment any
// threshold is crossed.
//
// Grounded on internal/reliability/maintenance_jobs.go's DailyMaintenanceJob
// (disk-space tiered WARN/ERROR/CRITICAL thresholds, per-database WAL/size
// logging) and internal/server/system_handlers.go's getSystemStats (gopsutil
// cpu/mem sampling), generalized from a once-daily maintenance sweep with a
// system-wide CPU/mem sample to a cron-scheduled per-cycle check reporting
// this process's own RSS/CPU, and from log-only warnings to persisted
// RiskEvents so the risk gate's audit trail carries resource pressure
// alongside trading decisions.
package healthcheck

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
)

// Config holds the resource thresholds that trigger a WARN RiskEvent.
type Config struct {
	Symbol string // tags RiskEvents raised by this checker (spec's single-symbol scope)

	RSSWarnBytes   uint64  // process resident set size
	CPUWarnPercent float64 // process CPU percent, sampled over CPUSampleWindow
	DBSizeWarnMB   float64 // main database file size
	WALSizeWarnMB  float64 // -wal sidecar file size

	CPUSampleWindow time.Duration
}

// DefaultConfig returns conservative thresholds suitable for a single-symbol
// daemon running on modest hardware.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:          symbol,
		RSSWarnBytes:    1 << 30, // 1 GiB
		CPUWarnPercent:  80,
		DBSizeWarnMB:    2048,
		WALSizeWarnMB:   512,
		CPUSampleWindow: 200 * time.Millisecond,
	}
}

// Checker samples process and database health and records RiskEvents when a
// threshold is crossed. It implements scheduler.Job.
type Checker struct {
	store *store.Store
	cfg   Config
	log   zerolog.Logger
}

// New builds a Checker.
func New(s *store.Store, cfg Config, log zerolog.Logger) *Checker {
	return &Checker{
		store: s,
		cfg:   cfg,
		log:   log.With().Str("component", "healthcheck").Logger(),
	}
}

// Name identifies this job to the scheduler.
func (c *Checker) Name() string { return "healthcheck" }

// Snapshot is one cycle's sampled readings, returned for logging/testing.
type Snapshot struct {
	RSSBytes  uint64
	CPUPct    float64
	DBSizeMB  float64
	WALSizeMB float64
}

// Run samples process RSS/CPU and database file/WAL size, logs them, and
// raises a RiskEvent(WARN, ...) for each threshold the sample crosses.
func (c *Checker) Run(ctx context.Context) error {
	snap, err := c.sample(ctx)
	if err != nil {
		return fmt.Errorf("healthcheck: sample: %w", err)
	}

	c.log.Info().
		Uint64("rss_bytes", snap.RSSBytes).
		Float64("cpu_pct", snap.CPUPct).
		Float64("db_size_mb", snap.DBSizeMB).
		Float64("wal_size_mb", snap.WALSizeMB).
		Msg("health sample")

	var warnings []struct {
		rule    string
		details string
	}
	if snap.RSSBytes >= c.cfg.RSSWarnBytes {
		warnings = append(warnings, struct{ rule, details string }{
			"PROCESS_RSS_HIGH",
			fmt.Sprintf("rss=%d bytes exceeds warn threshold %d", snap.RSSBytes, c.cfg.RSSWarnBytes),
		})
	}
	if snap.CPUPct >= c.cfg.CPUWarnPercent {
		warnings = append(warnings, struct{ rule, details string }{
			"PROCESS_CPU_HIGH",
			fmt.Sprintf("cpu=%.1f%% exceeds warn threshold %.1f%%", snap.CPUPct, c.cfg.CPUWarnPercent),
		})
	}
	if snap.DBSizeMB >= c.cfg.DBSizeWarnMB {
		warnings = append(warnings, struct{ rule, details string }{
			"DB_SIZE_HIGH",
			fmt.Sprintf("db size=%.1fMB exceeds warn threshold %.1fMB", snap.DBSizeMB, c.cfg.DBSizeWarnMB),
		})
	}
	if snap.WALSizeMB >= c.cfg.WALSizeWarnMB {
		warnings = append(warnings, struct{ rule, details string }{
			"WAL_SIZE_HIGH",
			fmt.Sprintf("wal size=%.1fMB exceeds warn threshold %.1fMB", snap.WALSizeMB, c.cfg.WALSizeWarnMB),
		})
	}

	now := time.Now().UnixMilli()
	for _, w := range warnings {
		c.log.Warn().Str("rule", w.rule).Str("details", w.details).Msg("resource threshold exceeded")
		event := domain.RiskEvent{
			TsMillis: now, Symbol: c.cfg.Symbol,
			Level: domain.RiskWarn, Rule: w.rule, Details: w.details,
		}
		if err := c.store.InsertRiskEvent(ctx, event); err != nil {
			return fmt.Errorf("healthcheck: record risk event %s: %w", w.rule, err)
		}
	}

	return nil
}

// sample gathers the current process RSS/CPU and database file/WAL sizes.
func (c *Checker) sample(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return snap, fmt.Errorf("open process handle: %w", err)
	}

	if mem, err := proc.MemoryInfoWithContext(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to read process memory info")
	} else {
		snap.RSSBytes = mem.RSS
	}

	window := c.cfg.CPUSampleWindow
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	if pct, err := proc.PercentWithContext(ctx, window); err != nil {
		c.log.Warn().Err(err).Msg("failed to read process cpu percent")
	} else {
		snap.CPUPct = pct
	}

	dbPath := c.store.Path()
	if info, err := os.Stat(dbPath); err == nil {
		snap.DBSizeMB = float64(info.Size()) / 1024 / 1024
	}
	if info, err := os.Stat(dbPath + "-wal"); err == nil {
		snap.WALSizeMB = float64(info.Size()) / 1024 / 1024
	}

	return snap, nil
}
