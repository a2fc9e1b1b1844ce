package database

import (
	"context"
	"database/sql"
	"fmt"

	"lampioni/pkg/geodata"
)

// ===================
// Lamp snapshot store
// ===================

// ReplaceCollection swaps the stored snapshot of one collection for the
// freshly loaded lamps. Delete-and-insert inside a transaction keeps the
// snapshot atomic; readers either see the old set or the new one.
func (db *Database) ReplaceCollection(ctx context.Context, c *geodata.Collection) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	del := fmt.Sprintf("DELETE FROM lamps WHERE kind = %s", db.placeholder(1))
	if _, err := tx.ExecContext(ctx, del, string(c.Kind)); err != nil {
		return fmt.Errorf("clear %s snapshot: %w", c.Kind, err)
	}

	ins := fmt.Sprintf(
		"INSERT INTO lamps (osm_id, kind, lon, lat, osm_user, date_added) VALUES (%s,%s,%s,%s,%s,%s)",
		db.placeholder(1), db.placeholder(2), db.placeholder(3),
		db.placeholder(4), db.placeholder(5), db.placeholder(6))
	stmt, err := tx.PrepareContext(ctx, ins)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, lamp := range c.Lamps {
		if _, err := stmt.ExecContext(ctx,
			lamp.OSMID, string(c.Kind), lamp.Point[0], lamp.Point[1],
			lamp.User, lamp.DateAdded); err != nil {
			return fmt.Errorf("insert lamp %d: %w", lamp.OSMID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// CountLamps reports how many lamps of a kind the snapshot holds.
func (db *Database) CountLamps(ctx context.Context, kind geodata.Kind) (int, error) {
	if db == nil || db.DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM lamps WHERE kind = %s", db.placeholder(1))
	var n int
	if err := db.DB.QueryRowContext(ctx, query, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s lamps: %w", kind, err)
	}
	return n, nil
}

// ReplaceDailyAdditions rewrites the daily histogram from recomputed
// stats. Same atomic swap pattern as the lamp snapshot.
func (db *Database) ReplaceDailyAdditions(ctx context.Context, daily map[string]int) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin daily additions: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM daily_additions"); err != nil {
		return fmt.Errorf("clear daily additions: %w", err)
	}

	ins := fmt.Sprintf("INSERT INTO daily_additions (day, added) VALUES (%s,%s)",
		db.placeholder(1), db.placeholder(2))
	for day, added := range daily {
		if _, err := tx.ExecContext(ctx, ins, day, added); err != nil {
			return fmt.Errorf("insert day %s: %w", day, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily additions: %w", err)
	}
	return nil
}

// DailyAdditions loads the stored histogram, oldest day first.
func (db *Database) DailyAdditions(ctx context.Context) (map[string]int, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := db.DB.QueryContext(ctx, "SELECT day, added FROM daily_additions ORDER BY day")
	if err != nil {
		return nil, fmt.Errorf("query daily additions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var day string
		var added int
		if err := rows.Scan(&day, &added); err != nil {
			return nil, fmt.Errorf("scan daily additions: %w", err)
		}
		out[day] = added
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily additions: %w", err)
	}
	return out, nil
}

// LeaderboardFromSnapshot ranks contributors straight from the stored new
// lamps, for operators poking at the database without the JSON files.
func (db *Database) LeaderboardFromSnapshot(ctx context.Context, limit int) (map[string]int, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(
		"SELECT osm_user, COUNT(*) AS c FROM lamps WHERE kind = %s GROUP BY osm_user ORDER BY c DESC LIMIT %d",
		db.placeholder(1), limit)
	rows, err := db.DB.QueryContext(ctx, query, string(geodata.KindNew))
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var user sql.NullString
		var count int
		if err := rows.Scan(&user, &count); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		name := user.String
		if name == "" {
			name = "unknown"
		}
		out[name] = count
	}
	return out, rows.Err()
}
