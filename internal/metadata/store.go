package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoMetadata is returned when the store holds no metadata document yet.
var ErrNoMetadata = errors.New("no metadata stored")

// Store provides access to the shared metadata tables. It is safe for
// concurrent use by the sync tasks and request handlers; every method runs a
// bounded, self-contained transaction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store on top of the shared connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CurrentVersion reads the current metadata resource version inside a
// repeatable-read transaction.
func (s *Store) CurrentVersion(ctx context.Context) (ResourceVersion, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `SELECT resource_version FROM metadata WHERE id = 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoMetadata
		}
		return 0, fmt.Errorf("failed to read resource version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return ResourceVersion(version), nil
}

// NotificationsSince returns the ordered list of notifications strictly after
// the given version. Notifications written by this replica (instanceID) are
// excluded: the writer already applied its own change locally.
func (s *Store) NotificationsSince(
	ctx context.Context, after ResourceVersion, instanceID uuid.UUID,
) ([]Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_version, invalidations
		   FROM metadata_notifications
		  WHERE resource_version > $1 AND instance_id <> $2
		  ORDER BY resource_version ASC`,
		int64(after), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var (
			version int64
			payload []byte
		)
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		var inv CacheInvalidations
		if err := json.Unmarshal(payload, &inv); err != nil {
			return nil, fmt.Errorf("malformed invalidation payload at version %d: %w", version, err)
		}
		notifications = append(notifications, Notification{
			Version:       ResourceVersion(version),
			Invalidations: inv,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	return notifications, nil
}

// FetchMetadata returns the current metadata document together with its
// resource version, read in one transaction so the pair is consistent.
func (s *Store) FetchMetadata(ctx context.Context) (*Document, ResourceVersion, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		raw     []byte
		version int64
	)
	err = tx.QueryRow(ctx, `SELECT document, resource_version FROM metadata WHERE id = 1`).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNoMetadata
		}
		return nil, 0, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed metadata document: %w", err)
	}
	return doc, ResourceVersion(version), nil
}

// UpdateMetadata persists a new metadata document, bumps the resource version
// and records the accompanying change notification, all in one transaction.
// This is the write path a replica runs when it accepts a metadata change.
func (s *Store) UpdateMetadata(
	ctx context.Context, doc *Document, inv CacheInvalidations, instanceID uuid.UUID,
) (ResourceVersion, error) {
	raw := doc.Raw
	if raw == nil {
		encoded, err := json.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata document: %w", err)
		}
		raw = encoded
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return 0, fmt.Errorf("failed to encode invalidations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		`INSERT INTO metadata (id, document, resource_version)
		 VALUES (1, $1, 1)
		 ON CONFLICT (id) DO UPDATE
		    SET document = EXCLUDED.document,
		        resource_version = metadata.resource_version + 1
		 RETURNING resource_version`,
		raw).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to update metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO metadata_notifications (resource_version, instance_id, invalidations, occurred_at)
		 VALUES ($1, $2, $3, now())`,
		version, instanceID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to record notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return ResourceVersion(version), nil
}

// PruneNotifications deletes notification rows older than the retention
// window and returns the number of rows removed. Replicas that fall further
// behind than the retention window observe a gap and fall back to a full
// invalidation.
func (s *Store) PruneNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM metadata_notifications WHERE occurred_at < now() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
