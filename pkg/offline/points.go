package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pointmap/pkg/poi"
)

// SavePoints upserts a batch. Local underscore tags already stored for a
// point survive a fresh server copy, same rule as the in-memory cache.
func (s *Store) SavePoints(ctx context.Context, points []poi.Point) error {
	if len(points) == 0 {
		return nil
	}
	if s == nil || s.DB == nil {
		return fmt.Errorf("offline store not initialized")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, p := range points {
		stored, err := s.tagsForID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		merged := poi.MergeTags(stored, p.Tags)
		encoded, err := encodeTags(merged)
		if err != nil {
			return err
		}
		if err := s.upsertOne(ctx, tx, p, encoded, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) tagsForID(ctx context.Context, tx *sql.Tx, id int64) (map[string]string, error) {
	next := s.placeholders()
	var raw sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT tags FROM points WHERE id = "+next(), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stored tags: %w", err)
	}
	return decodeTags(raw)
}

func (s *Store) upsertOne(ctx context.Context, tx *sql.Tx, p poi.Point, tags string, now int64) error {
	next := s.placeholders()
	query := fmt.Sprintf(`INSERT INTO points (id, lat, lon, tags, updated_at) VALUES (%s, %s, %s, %s, %s)
ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, tags = excluded.tags, updated_at = excluded.updated_at`,
		next(), next(), next(), next(), next())
	if _, err := tx.ExecContext(ctx, query, p.ID, p.Lat, p.Lon, tags, now); err != nil {
		return fmt.Errorf("upsert point %d: %w", p.ID, err)
	}
	return nil
}

// PointsIn returns every stored point inside the region, edges inclusive.
// Used in offline mode in place of the whole fetch coordinator.
func (s *Store) PointsIn(ctx context.Context, region poi.Region) ([]poi.Point, error) {
	if s == nil || s.DB == nil {
		return nil, fmt.Errorf("offline store not initialized")
	}
	query, args := boundsQuery(s.Driver, region)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offline points: %w", err)
	}
	defer rows.Close()

	var points []poi.Point
	for rows.Next() {
		var (
			p   poi.Point
			raw sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Lat, &p.Lon, &raw); err != nil {
			return nil, fmt.Errorf("scan offline point: %w", err)
		}
		if p.Tags, err = decodeTags(raw); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeletePoint removes one point after a confirmed deletion.
func (s *Store) DeletePoint(ctx context.Context, id int64) error {
	next := s.placeholders()
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM points WHERE id = "+next(), id); err != nil {
		return fmt.Errorf("delete point %d: %w", id, err)
	}
	return nil
}

// Count reports how many points the device holds.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM points").Scan(&n); err != nil {
		return 0, fmt.Errorf("count offline points: %w", err)
	}
	return n.Int64, nil
}

// boundsQuery assembles the viewport select for the active driver.
// Split out as a pure function so the SQL can be tested without a DB.
func boundsQuery(driver string, region poi.Region) (string, []any) {
	next := placeholdersFor(driver)
	var sb strings.Builder
	sb.WriteString("SELECT id, lat, lon, tags FROM points WHERE lat >= ")
	sb.WriteString(next())
	sb.WriteString(" AND lat <= ")
	sb.WriteString(next())
	sb.WriteString(" AND lon >= ")
	sb.WriteString(next())
	sb.WriteString(" AND lon <= ")
	sb.WriteString(next())
	return sb.String(), []any{region.South, region.North, region.West, region.East}
}

func placeholdersFor(driver string) func() string {
	if strings.ToLower(driver) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}

func encodeTags(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	buf, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(buf), nil
}

func decodeTags(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}
