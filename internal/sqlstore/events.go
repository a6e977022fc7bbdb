package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
)

const (
	StatusActive    = "active"
	StatusFinalized = "finalized"
)

var ErrEventNotFound = errors.New("ad-hoc event not found")

// EventRecord is a persisted ad-hoc event.
type EventRecord struct {
	ID          string
	GuildID     string
	ChannelID   string
	ChannelName string
	GameID      adhoc.GameID
	GameName    string
	Status      string
	CreatedAt   time.Time
	FinalizedAt time.Time
	Members     []adhoc.Member
}

// CreateAdHocEvent stores a new active event with its initial members.
func (db *DB) CreateAdHocEvent(ctx context.Context, ev adhoc.AdHocEvent) (string, error) {
	id := uuid.NewString()

	var gameID sql.NullInt64
	if ev.GameID != adhoc.NoGame {
		gameID = sql.NullInt64{Int64: int64(ev.GameID), Valid: true}
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO adhoc_events (id, guild_id, channel_id, channel_name, game_id, game_name, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Channel.GuildID, ev.Channel.ID, ev.Channel.Name, gameID, ev.GameName, StatusActive,
			db.clock.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		for _, m := range ev.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO adhoc_event_members (event_id, user_id, display_name) VALUES (?, ?, ?)`,
				id, m.UserID, m.DisplayName); err != nil {
				return fmt.Errorf("insert event member: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	db.log.Debug().Str("event_id", id).Str("game", ev.GameName).Int("members", len(ev.Members)).Msg("event stored")
	return id, nil
}

// FinalizeAdHocEvent marks an event finalized. Finalizing an already
// finalized event is a no-op.
func (db *DB) FinalizeAdHocEvent(ctx context.Context, eventID string) error {
	res, err := db.Conn.ExecContext(ctx, `
		UPDATE adhoc_events SET status = ?, finalized_at = ?
		WHERE id = ? AND status = ?`,
		StatusFinalized, db.clock.Now().UnixMilli(), eventID, StatusActive)
	if err != nil {
		return fmt.Errorf("finalize event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = db.Conn.QueryRowContext(ctx, `SELECT status FROM adhoc_events WHERE id = ?`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finalize event %s: %w", eventID, ErrEventNotFound)
	}
	return err
}

// FinalizeStale finalizes every event still marked active. Called at
// startup, when no in-memory state can own them anymore.
func (db *DB) FinalizeStale(ctx context.Context) (int64, error) {
	res, err := db.Conn.ExecContext(ctx, `
		UPDATE adhoc_events SET status = ?, finalized_at = ? WHERE status = ?`,
		StatusFinalized, db.clock.Now().UnixMilli(), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("finalize stale events: %w", err)
	}
	return res.RowsAffected()
}

// ListEvents returns events newest first, limited to active ones when
// activeOnly is set. A non-positive limit means no limit.
func (db *DB) ListEvents(ctx context.Context, activeOnly bool, limit int) ([]EventRecord, error) {
	query := `SELECT id, guild_id, channel_id, channel_name, game_id, game_name, status, created_at, finalized_at
		FROM adhoc_events`
	var args []any
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, StatusActive)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec       EventRecord
			gameID    sql.NullInt64
			created   int64
			finalized sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.GuildID, &rec.ChannelID, &rec.ChannelName, &gameID,
			&rec.GameName, &rec.Status, &created, &finalized); err != nil {
			return nil, err
		}
		rec.GameID = adhoc.GameID(gameID.Int64)
		rec.CreatedAt = time.UnixMilli(created)
		if finalized.Valid {
			rec.FinalizedAt = time.UnixMilli(finalized.Int64)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		members, err := db.eventMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members
	}
	return out, nil
}

func (db *DB) eventMembers(ctx context.Context, eventID string) ([]adhoc.Member, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT user_id, display_name FROM adhoc_event_members WHERE event_id = ? ORDER BY user_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event members: %w", err)
	}
	defer rows.Close()

	var out []adhoc.Member
	for rows.Next() {
		var m adhoc.Member
		if err := rows.Scan(&m.UserID, &m.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddEventMember records a member who joined an event after it opened.
func (db *DB) AddEventMember(ctx context.Context, eventID, userID string) error {
	_, err := db.Conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO adhoc_event_members (event_id, user_id) VALUES (?, ?)`, eventID, userID)
	if err != nil {
		return fmt.Errorf("add member to event %s: %w", eventID, err)
	}
	return nil
}
