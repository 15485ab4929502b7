package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"pointmap/pkg/poi"
)

// BulkImport streams a large batch of points into the store. On pgx it
// uses COPY through a temporary table so the ON CONFLICT policy of the
// main table survives COPY's throughput; on every other driver it falls
// back to the ordinary transactional upsert. Area downloads for offline
// use are the one path where batch size justifies the extra machinery.
// Unlike SavePoints, the COPY path replaces stored tags wholesale, so
// callers must pass the complete view they want persisted.
func (s *Store) BulkImport(ctx context.Context, points []poi.Point) error {
	if len(points) == 0 {
		return nil
	}
	if s.Driver != "pgx" {
		return s.SavePoints(ctx, points)
	}
	return s.bulkImportCopy(ctx, points)
}

func (s *Store) bulkImportCopy(ctx context.Context, points []poi.Point) error {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open pgx connection: %w", err)
	}
	defer conn.Close()

	// Timestamp suffix keeps the temp name unique per call while staying
	// predictable for debugging. No ON COMMIT DROP: the table must survive
	// autocommit long enough for COPY plus the final INSERT.
	tempTable := fmt.Sprintf("temp_points_%d", time.Now().UnixNano())
	createTemp := fmt.Sprintf(`CREATE TEMP TABLE %s (
id BIGINT,
lat DOUBLE PRECISION,
lon DOUBLE PRECISION,
tags TEXT,
updated_at BIGINT
)`, tempTable)
	if _, err := conn.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}

	// Cleanup must run even on failure; a detached context keeps it from
	// being skipped when the caller's context is already cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	now := time.Now().Unix()
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		encoded, err := encodeTags(p.Tags)
		if err != nil {
			return err
		}
		rows = append(rows, []any{p.ID, p.Lat, p.Lon, encoded, now})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		pgxConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		_, err := pgxConn.Conn().CopyFrom(ctx,
			pgx.Identifier{tempTable},
			[]string{"id", "lat", "lon", "tags", "updated_at"},
			pgx.CopyFromRows(rows))
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy points: %w", copyErr)
	}

	merge := fmt.Sprintf(`INSERT INTO points (id, lat, lon, tags, updated_at)
SELECT id, lat, lon, tags, updated_at FROM %s
ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, tags = excluded.tags, updated_at = excluded.updated_at`, tempTable)
	if _, err := conn.ExecContext(ctx, merge); err != nil {
		return fmt.Errorf("merge copied points: %w", err)
	}
	return nil
}
