package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/aristath/gatekeeper/internal/history"
)

// revalidator is the slice of the orchestrator the sweep uses
type revalidator interface {
	ValidateSymbolWithMetadata(ctx context.Context, raw string, timeframes []string) (*domain.ValidationResult, error)
}

// RevalidationJob refreshes expired entries for validated symbols before
// callers hit them. Per-symbol failures are soft: the orchestrator serves
// stale entries and never demotes a validated symbol.
type RevalidationJob struct {
	store     *contracts.Store
	validator revalidator
	timeout   time.Duration
	log       zerolog.Logger
}

// NewRevalidationJob creates the revalidation sweep job
func NewRevalidationJob(store *contracts.Store, v revalidator, timeout time.Duration, log zerolog.Logger) *RevalidationJob {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &RevalidationJob{
		store:     store,
		validator: v,
		timeout:   timeout,
		log:       log.With().Str("job", "revalidation_sweep").Logger(),
	}
}

// Name implements Job
func (j *RevalidationJob) Name() string { return "revalidation_sweep" }

// Run sweeps every validated symbol whose entry is expired or missing
func (j *RevalidationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	symbols := j.store.ValidatedSymbols()
	swept := 0
	failed := 0
	for _, symbol := range symbols {
		if j.store.Get(symbol) != nil && !j.store.IsExpired(symbol) {
			continue
		}
		swept++

		result, err := j.validator.ValidateSymbolWithMetadata(ctx, symbol, nil)
		if err != nil {
			return fmt.Errorf("revalidation sweep aborted at %s: %w", symbol, err)
		}
		if result.Stale || !result.Valid {
			failed++
			j.log.Warn().Str("symbol", symbol).Msg("Sweep could not refresh entry")
		}
	}

	j.log.Info().
		Int("validated", len(symbols)).
		Int("swept", swept).
		Int("failed", failed).
		Msg("Revalidation sweep finished")
	return nil
}

// backupRunner is the slice of the backup service this job uses
type backupRunner interface {
	CreateAndUploadBackup(ctx context.Context) error
	RotateOldBackups(ctx context.Context, keep int) error
}

// BackupJob uploads the nightly cache + audit backup and rotates old
// archives
type BackupJob struct {
	backup backupRunner
	keep   int
	log    zerolog.Logger
}

// NewBackupJob creates the backup job. keep is the number of archives
// retained during rotation.
func NewBackupJob(backup backupRunner, keep int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backup: backup,
		keep:   keep,
		log:    log.With().Str("job", "backup").Logger(),
	}
}

// Name implements Job
func (j *BackupJob) Name() string { return "backup" }

// Run creates and uploads one archive, then rotates
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if err := j.backup.CreateAndUploadBackup(ctx); err != nil {
		return fmt.Errorf("backup upload failed: %w", err)
	}
	if err := j.backup.RotateOldBackups(ctx, j.keep); err != nil {
		// The archive made it up; rotation can catch up tomorrow
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// PruneJob deletes audit rows past the retention window
type PruneJob struct {
	history   *history.Repository
	retention time.Duration
	log       zerolog.Logger
}

// NewPruneJob creates the audit prune job
func NewPruneJob(hist *history.Repository, retention time.Duration, log zerolog.Logger) *PruneJob {
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	return &PruneJob{
		history:   hist,
		retention: retention,
		log:       log.With().Str("job", "history_prune").Logger(),
	}
}

// Name implements Job
func (j *PruneJob) Name() string { return "history_prune" }

// Run deletes rows older than the retention window
func (j *PruneJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := j.history.PruneOlderThan(ctx, j.retention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Pruned validation history")
	}
	return nil
}
