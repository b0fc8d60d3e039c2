package db

import (
	"context"
	"sort"
	"time"

	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
)

const (
	// HistoryBucketWidth is the window HistoricalStats aggregates over.
	HistoryBucketWidth = 15 * time.Minute

	// MaxHistoryBuckets caps the number of buckets HistoricalStats returns.
	MaxHistoryBuckets = 48

	defaultHistoryHours = 24
)

// BestEffort is the outcome of a write whose failure must not propagate.
// Callers may ignore it; Err is already logged.
type BestEffort struct {
	Err error
}

// OK reports whether the write went through.
func (b BestEffort) OK() bool {
	return b.Err == nil
}

// HistoryRepository handles the append-only observation log.
type HistoryRepository struct {
	db     *DB
	logger *logging.Logger
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logging.Default().WithComponent("history"),
	}
}

// Add appends one observation. Failures are logged and reported through the
// returned BestEffort, never as an error.
func (r *HistoryRepository) Add(ctx context.Context, ip, status string, pingLatencyMs *float64) BestEffort {
	addr, err := ParseIPAddr(ip)
	if err != nil {
		r.logger.Warn("Skipping history entry for invalid address", "ip", ip)
		return BestEffort{Err: errors.ErrInvalidTarget(ip)}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO host_history (ip_address, status, ping_latency_ms, seen_at) VALUES ($1, $2, $3, NOW())`,
		addr.String(), status, pingLatencyMs)
	if err != nil {
		err = sanitizeDBError("add history entry", err)
		r.logger.Warn("Failed to append history entry", "ip", ip, "error", err)
		return BestEffort{Err: err}
	}
	return BestEffort{}
}

// ForIP returns the most recent entries for one address, newest first.
func (r *HistoryRepository) ForIP(ctx context.Context, ip string, limit int) ([]*HistoryEntry, error) {
	addr, err := ParseIPAddr(ip)
	if err != nil {
		return nil, errors.ErrInvalidTarget(ip)
	}
	entries := []*HistoryEntry{}
	err = r.db.SelectContext(ctx, &entries, `
		SELECT id, host(ip_address) AS ip_address, status, ping_latency_ms, seen_at
		FROM host_history
		WHERE ip_address = $1
		ORDER BY seen_at DESC, id DESC
		LIMIT $2`, addr.String(), limit)
	if err != nil {
		return nil, sanitizeDBError("list history", err)
	}
	return entries, nil
}

// Each address counts once per bucket, with the last status it reported in
// that bucket, so online + offline never exceeds total.
const historicalStatsQuery = `
	WITH windowed AS (
		SELECT to_timestamp(floor(extract(epoch FROM seen_at) / 900) * 900) AS bucket,
			ip_address, status, seen_at, id
		FROM host_history
		WHERE seen_at >= NOW() - make_interval(hours => $1)
	),
	latest AS (
		SELECT DISTINCT ON (bucket, ip_address) bucket, ip_address, status
		FROM windowed
		ORDER BY bucket, ip_address, seen_at DESC, id DESC
	)
	SELECT bucket,
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = 'online') AS online,
		COUNT(*) FILTER (WHERE status = 'offline') AS offline
	FROM latest
	GROUP BY bucket
	ORDER BY bucket DESC
	LIMIT $2`

// HistoricalStats buckets the trailing hours of the log into 15 minute
// windows, oldest first, keeping at most the 48 most recent buckets.
func (r *HistoryRepository) HistoricalStats(ctx context.Context, hours int) ([]HistoryBucket, error) {
	if hours <= 0 {
		hours = defaultHistoryHours
	}

	buckets := []HistoryBucket{}
	if err := r.db.SelectContext(ctx, &buckets, historicalStatsQuery, hours, MaxHistoryBuckets); err != nil {
		return nil, sanitizeDBError("historical stats", err)
	}

	if len(buckets) > MaxHistoryBuckets {
		buckets = buckets[:MaxHistoryBuckets]
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket.Before(buckets[j].Bucket) })
	return buckets, nil
}

// Purge deletes entries older than olderThan and returns how many were removed.
func (r *HistoryRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.NewDatabaseError(errors.CodeValidation, "purge window must be positive")
	}
	cutoff := time.Now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx, `DELETE FROM host_history WHERE seen_at < $1`, cutoff)
	if err != nil {
		return 0, sanitizeDBError("purge history", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("purge history", err)
	}
	r.logger.Info("Purged history entries", "deleted", n, "older_than", olderThan)
	return n, nil
}
