package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
	"github.com/keshon/adhoc-lobby/internal/games"
)

// GameRow is one catalog entry with its lookup keys.
type GameRow struct {
	ID     adhoc.GameID
	Name   string
	Seeded bool
	Keys   []string
}

// SeedGames upserts catalog entries. An entry whose name or alias already
// belongs to a game updates that game; otherwise a new game is created.
// It returns the number of games inserted.
func (db *DB) SeedGames(ctx context.Context, entries []games.Entry) (int, error) {
	inserted := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			keys := e.Keys()
			if len(keys) == 0 {
				continue
			}

			id, found, err := gameByKeys(ctx, tx, keys)
			if err != nil {
				return err
			}
			if found {
				if _, err := tx.ExecContext(ctx, `UPDATE games SET name = ?, seeded = 1 WHERE id = ?`, e.Name, id); err != nil {
					return fmt.Errorf("update game %q: %w", e.Name, err)
				}
			} else {
				res, err := tx.ExecContext(ctx, `INSERT INTO games (name, seeded, created_at) VALUES (?, 1, ?)`,
					e.Name, db.clock.Now().UnixMilli())
				if err != nil {
					return fmt.Errorf("insert game %q: %w", e.Name, err)
				}
				n, err := res.LastInsertId()
				if err != nil {
					return err
				}
				id = adhoc.GameID(n)
				inserted++
			}

			for _, k := range keys {
				if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO game_keys (key, game_id) VALUES (?, ?)`, k, id); err != nil {
					return fmt.Errorf("insert key %q: %w", k, err)
				}
			}
			for _, app := range e.ApplicationIDs {
				app = strings.TrimSpace(app)
				if app == "" {
					continue
				}
				if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO game_applications (application_id, game_id) VALUES (?, ?)`, app, id); err != nil {
					return fmt.Errorf("insert application %q: %w", app, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func gameByKeys(ctx context.Context, tx *sql.Tx, keys []string) (adhoc.GameID, bool, error) {
	for _, k := range keys {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT game_id FROM game_keys WHERE key = ?`, k).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("lookup key %q: %w", k, err)
		}
		return adhoc.GameID(id), true, nil
	}
	return 0, false, nil
}

// MatchActivity finds the catalog game for an activity, first by
// application id and then by normalised name. When auto-registration is
// on, unknown names become new games.
func (db *DB) MatchActivity(ctx context.Context, ref adhoc.ActivityRef) (adhoc.Game, bool, error) {
	var (
		game  adhoc.Game
		found bool
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if ref.ApplicationID != "" {
			err := tx.QueryRowContext(ctx, `
				SELECT g.id, g.name FROM game_applications a
				JOIN games g ON g.id = a.game_id
				WHERE a.application_id = ?`, ref.ApplicationID).Scan(&game.ID, &game.Name)
			if err == nil {
				found = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup application: %w", err)
			}
		}

		key := games.Normalize(ref.Name)
		if key == "" {
			return nil
		}

		err := tx.QueryRowContext(ctx, `
			SELECT g.id, g.name FROM game_keys k
			JOIN games g ON g.id = k.game_id
			WHERE k.key = ?`, key).Scan(&game.ID, &game.Name)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup name: %w", err)
		case !db.autoRegister:
			return nil
		default:
			name := strings.TrimSpace(ref.Name)
			res, err := tx.ExecContext(ctx, `INSERT INTO games (name, seeded, created_at) VALUES (?, 0, ?)`,
				name, db.clock.Now().UnixMilli())
			if err != nil {
				return fmt.Errorf("register game %q: %w", name, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO game_keys (key, game_id) VALUES (?, ?)`, key, id); err != nil {
				return fmt.Errorf("register key %q: %w", key, err)
			}
			game = adhoc.Game{ID: adhoc.GameID(id), Name: name}
			found = true
			db.log.Info().Int64("game_id", id).Str("game", name).Msg("Registered new game from activity")
		}

		if found && ref.ApplicationID != "" {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO game_applications (application_id, game_id) VALUES (?, ?)`,
				ref.ApplicationID, game.ID); err != nil {
				return fmt.Errorf("remember application: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return adhoc.Game{}, false, err
	}
	return game, found, nil
}

// Game returns a catalog game by id.
func (db *DB) Game(ctx context.Context, id adhoc.GameID) (adhoc.Game, bool, error) {
	g := adhoc.Game{ID: id}
	err := db.Conn.QueryRowContext(ctx, `SELECT name FROM games WHERE id = ?`, id).Scan(&g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return adhoc.Game{}, false, nil
	}
	if err != nil {
		return adhoc.Game{}, false, fmt.Errorf("get game %d: %w", id, err)
	}
	return g, true, nil
}

// ListGames returns every game ordered by name.
func (db *DB) ListGames(ctx context.Context) ([]GameRow, error) {
	rows, err := db.Conn.QueryContext(ctx, `SELECT id, name, seeded FROM games ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	var out []GameRow
	index := make(map[adhoc.GameID]int)
	for rows.Next() {
		var g GameRow
		if err := rows.Scan(&g.ID, &g.Name, &g.Seeded); err != nil {
			return nil, err
		}
		index[g.ID] = len(out)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys, err := db.Conn.QueryContext(ctx, `SELECT game_id, key FROM game_keys ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list game keys: %w", err)
	}
	defer keys.Close()
	for keys.Next() {
		var (
			id  adhoc.GameID
			key string
		)
		if err := keys.Scan(&id, &key); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			out[i].Keys = append(out[i].Keys, key)
		}
	}
	return out, keys.Err()
}
