package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/lock"
	"github.com/prn-tf/alexander-drive/internal/metrics"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/storage"
)

// GarbageCollector finishes deletes whose byte removal failed. It visits
// blobs at ref_count 0 once their release is older than the grace period,
// removes the bytes and purges the row.
type GarbageCollector struct {
	blobRepo repository.BlobRepository
	removal  blobRemoval
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   GCConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *GCResult
}

// GCConfig configures the collector.
type GCConfig struct {
	Enabled     bool
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int

	// DryRun makes scheduled runs report candidates without removing them.
	DryRun bool
}

// DefaultGCConfig returns the collector settings used when none are given.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enabled:     true,
		Interval:    time.Hour,
		GracePeriod: 15 * time.Minute,
		BatchSize:   1000,
	}
}

// gcLockTTL bounds how long a crashed collector keeps others out. Held
// locks are renewed, so it does not limit the length of a run.
const gcLockTTL = time.Minute

// NewGarbageCollector creates a GarbageCollector. Call Start to schedule it.
func NewGarbageCollector(
	repos *repository.Repositories,
	store storage.BlobStore,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config GCConfig,
) *GarbageCollector {
	return &GarbageCollector{
		blobRepo: repos.Blob,
		removal:  newBlobRemoval(repos, store),
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "gc").Logger(),
		config:   config,
	}
}

// Start runs the collector now and then every Interval until Stop.
// Starting a running collector does nothing.
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	gc.cancel = cancel
	gc.done = make(chan struct{})

	gc.logger.Info().
		Dur("interval", gc.config.Interval).
		Dur("grace_period", gc.config.GracePeriod).
		Int("batch_size", gc.config.BatchSize).
		Bool("dry_run", gc.config.DryRun).
		Msg("collector scheduled")

	go gc.loop(ctx, gc.done)
}

// Stop cancels the schedule and waits for the current run to return.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	cancel, done := gc.cancel, gc.done
	gc.cancel, gc.done = nil, nil
	gc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	gc.logger.Info().Msg("collector stopped")
}

func (gc *GarbageCollector) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		gc.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GCResult describes one collector run.
type GCResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	DryRun    bool          `json:"dry_run"`

	// Skipped is set when another process held the collector lock.
	Skipped bool `json:"skipped"`

	BlobsDeleted int   `json:"blobs_deleted"`
	BytesFreed   int64 `json:"bytes_freed"`

	// BlobsRevived counts listed blobs that an upload referenced again
	// before the collector reached them.
	BlobsRevived int `json:"blobs_revived"`
	Errors       int `json:"errors"`

	// PendingRemaining is set when eligible blobs are still listed after
	// the run. It is always set for dry runs.
	PendingRemaining bool `json:"pending_remaining"`
}

// RunOnce performs one run, honoring the configured DryRun.
func (gc *GarbageCollector) RunOnce(ctx context.Context) GCResult {
	return gc.run(ctx, gc.config.DryRun)
}

// RunDry performs one run that removes nothing.
func (gc *GarbageCollector) RunDry(ctx context.Context) GCResult {
	return gc.run(ctx, true)
}

// LastResult returns a copy of the most recent run's result, or nil.
func (gc *GarbageCollector) LastResult() *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.last == nil {
		return nil
	}
	last := *gc.last
	return &last
}

func (gc *GarbageCollector) run(ctx context.Context, dryRun bool) (result GCResult) {
	result = GCResult{StartedAt: time.Now(), DryRun: dryRun}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		gc.mu.Lock()
		gc.last = &result
		gc.mu.Unlock()
	}()

	runLock := lock.NewLock(gc.locker, lock.Keys.BlobGC())
	acquired, err := runLock.Acquire(ctx, gcLockTTL)
	switch {
	case err != nil:
		gc.logger.Error().Err(err).Msg("failed to take collector lock")
		result.Errors++
		return result
	case !acquired:
		gc.logger.Debug().Msg("collector already running elsewhere")
		result.Skipped = true
		return result
	}
	defer func() {
		if err := runLock.Release(context.WithoutCancel(ctx)); err != nil {
			gc.logger.Error().Err(err).Msg("failed to release collector lock")
		}
	}()

	pending, err := gc.blobRepo.ListPendingRemoval(ctx, gc.config.GracePeriod, gc.config.BatchSize)
	if err != nil {
		gc.logger.Error().Err(err).Msg("failed to list pending blobs")
		result.Errors++
		return result
	}
	gc.metrics.SetGCPending(len(pending))

	for _, blob := range pending {
		if ctx.Err() != nil {
			break
		}
		switch gc.collect(ctx, blob, dryRun) {
		case outcomeRemoved:
			result.BlobsDeleted++
			result.BytesFreed += blob.Size
		case outcomeRevived:
			result.BlobsRevived++
		case outcomeFailed:
			result.Errors++
		}
	}

	switch {
	case dryRun:
		result.PendingRemaining = len(pending) > 0
	case len(pending) > 0:
		more, err := gc.blobRepo.ListPendingRemoval(ctx, gc.config.GracePeriod, 1)
		result.PendingRemaining = err == nil && len(more) > 0
	}

	if !dryRun {
		gc.metrics.RecordGCRun(time.Since(result.StartedAt).Seconds(), result.BlobsDeleted, result.BytesFreed)
	}

	if len(pending) > 0 {
		gc.logger.Info().
			Int("listed", len(pending)).
			Int("deleted", result.BlobsDeleted).
			Int("revived", result.BlobsRevived).
			Int64("bytes_freed", result.BytesFreed).
			Int("errors", result.Errors).
			Bool("dry_run", dryRun).
			Bool("pending_remaining", result.PendingRemaining).
			Dur("duration", time.Since(result.StartedAt)).
			Msg("collector run finished")
	}
	return result
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRemoved
	outcomeRevived
	outcomeFailed
)

// collect removes one listed blob. A digest that is locked by an upload or
// delete in this process is skipped until the next run. The row is re-read
// inside the removal transaction, under the digest's database lock,
// because it may have been referenced or released again since listing.
func (gc *GarbageCollector) collect(ctx context.Context, listed *domain.Blob, dryRun bool) outcome {
	logger := gc.logger.With().Str("content_hash", listed.ContentHash).Logger()

	digestLock := lock.NewLock(gc.locker, lock.Keys.Blob(listed.ContentHash))
	acquired, err := digestLock.Acquire(ctx, gcLockTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to take digest lock")
		return outcomeFailed
	}
	if !acquired {
		logger.Debug().Msg("digest busy")
		return outcomeSkipped
	}
	defer func() {
		if err := digestLock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("failed to release digest lock")
		}
	}()

	if dryRun {
		return gc.inspect(ctx, listed, logger)
	}

	result, blob, err := gc.removal.remove(ctx, removalRequest{
		digest:   listed.ContentHash,
		eligible: gc.eligible,
	})
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("failed to remove blob")
	case result == outcomeRevived:
		logger.Debug().Msg("blob referenced again")
	case result == outcomeRemoved:
		logger.Debug().Str("storage_path", blob.StoragePath).Int64("size", blob.Size).Msg("blob removed")
	}
	return result
}

// eligible rejects rows released again within the grace period.
func (gc *GarbageCollector) eligible(blob *domain.Blob) bool {
	return blob.ReleasedAt == nil || blob.CanGarbageCollect(gc.config.GracePeriod)
}

// inspect reports what collect would do without changing anything.
func (gc *GarbageCollector) inspect(ctx context.Context, listed *domain.Blob, logger zerolog.Logger) outcome {
	blob, err := gc.blobRepo.GetByHash(ctx, listed.ContentHash)
	switch {
	case errors.Is(err, domain.ErrBlobNotFound):
		return outcomeSkipped
	case err != nil:
		logger.Error().Err(err).Msg("failed to re-read blob")
		return outcomeFailed
	case blob.RefCount > 0:
		return outcomeRevived
	case !gc.eligible(blob):
		return outcomeSkipped
	}

	logger.Info().Str("storage_path", blob.StoragePath).Int64("size", blob.Size).Msg("dry run: would remove blob")
	return outcomeRemoved
}

// GCStats summarizes what the next run would consider.
type GCStats struct {
	PendingBlobCount int           `json:"pending_blob_count"`
	PendingBlobSize  int64         `json:"pending_blob_size"`
	HasMorePending   bool          `json:"has_more_pending"`
	GracePeriod      time.Duration `json:"grace_period"`
	Interval         time.Duration `json:"interval"`
	LastRun          *GCResult     `json:"last_run,omitempty"`
}

// GetStats lists up to one batch of eligible blobs without touching them.
func (gc *GarbageCollector) GetStats(ctx context.Context) (*GCStats, error) {
	pending, err := gc.blobRepo.ListPendingRemoval(ctx, gc.config.GracePeriod, gc.config.BatchSize+1)
	if err != nil {
		return nil, err
	}

	stats := &GCStats{
		HasMorePending: len(pending) > gc.config.BatchSize,
		GracePeriod:    gc.config.GracePeriod,
		Interval:       gc.config.Interval,
		LastRun:        gc.LastResult(),
	}
	if stats.HasMorePending {
		pending = pending[:gc.config.BatchSize]
	}
	stats.PendingBlobCount = len(pending)
	for _, b := range pending {
		stats.PendingBlobSize += b.Size
	}
	return stats, nil
}
