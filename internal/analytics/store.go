package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/newsdex/newsdex/pkg/postgres"
)

// Snapshot statements. The table is expected to exist:
//
//	CREATE TABLE analytics_snapshots (
//	    id          BIGSERIAL PRIMARY KEY,
//	    data        JSONB NOT NULL,
//	    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
const (
	insertSnapshotSQL = `INSERT INTO analytics_snapshots (data, captured_at) VALUES ($1, $2)`
	latestSnapshotSQL = `SELECT data FROM analytics_snapshots ORDER BY captured_at DESC LIMIT 1`
	listSnapshotsSQL  = `SELECT data FROM analytics_snapshots ORDER BY captured_at DESC LIMIT $1`
)

// shutdownSnapshotBudget bounds the final write once the server context is
// already cancelled.
const shutdownSnapshotBudget = 5 * time.Second

// Store persists aggregated stats in PostgreSQL so traffic history
// survives restarts.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a snapshot store on an open client.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "analytics-store"),
	}
}

// SaveSnapshot writes one stats snapshot stamped with the current time.
func (s *Store) SaveSnapshot(ctx context.Context, stats AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if _, err := s.db.DB.ExecContext(ctx, insertSnapshotSQL, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("saving analytics snapshot: %w", err)
	}
	s.logger.Debug("analytics snapshot saved",
		"total_searches", stats.TotalSearches,
		"total_aggregations", stats.TotalAggregations,
	)
	return nil
}

// LatestSnapshot loads the most recent snapshot, or nil, nil when the
// table is still empty.
func (s *Store) LatestSnapshot(ctx context.Context) (*AggregatedStats, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx, latestSnapshotSQL).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	stats, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListSnapshots returns up to limit snapshots, newest first. Rows that no
// longer decode are skipped with a warning instead of failing the listing.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]AggregatedStats, error) {
	rows, err := s.db.DB.QueryContext(ctx, listSnapshotsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []AggregatedStats
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		stats, err := decodeSnapshot(data)
		if err != nil {
			s.logger.Warn("skipping corrupt snapshot", "error", err)
			continue
		}
		snapshots = append(snapshots, stats)
	}
	return snapshots, rows.Err()
}

func decodeSnapshot(data []byte) (AggregatedStats, error) {
	var stats AggregatedStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return stats, nil
}

// StartPeriodicSave snapshots the aggregator every interval until ctx is
// cancelled, then gets one final write in on its own deadline.
func (s *Store) StartPeriodicSave(ctx context.Context, agg *Aggregator, interval time.Duration) {
	go s.snapshotLoop(ctx, agg, interval)
	s.logger.Info("periodic snapshot started", "interval", interval)
}

func (s *Store) snapshotLoop(ctx context.Context, agg *Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx, agg.Stats()); err != nil {
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-ctx.Done():
			s.finalSnapshot(agg)
			return
		}
	}
}

func (s *Store) finalSnapshot(agg *Aggregator) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownSnapshotBudget)
	defer cancel()
	if err := s.SaveSnapshot(ctx, agg.Stats()); err != nil {
		s.logger.Error("final snapshot failed", "error", err)
	}
}
