// Package storage persists per-guild channel bindings in a JSON datastore.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/datastore"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
)

const historyLimit int = 20

var ErrBindingNotFound = errors.New("binding not found")

type Storage struct {
	ds  *datastore.DataStore
	mu  sync.Mutex
	now func() time.Time
}

// HistoryRecord is one binding change, newest last.
type HistoryRecord struct {
	BindingID string        `json:"binding_id"`
	ChannelID string        `json:"channel_id"`
	Purpose   adhoc.Purpose `json:"purpose"`
	Action    string        `json:"action"` // "set", "removed"
	Datetime  time.Time     `json:"datetime"`
}

type Record struct {
	Bindings []adhoc.ChannelBinding `json:"bindings"`
	History  []HistoryRecord        `json:"history"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds, now: time.Now}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

// Helper function to get or create a Record for a guild
func (s *Storage) getOrCreateGuildRecord(guildID string) (*Record, error) {
	data, exists := s.ds.Get(guildID)
	if !exists {
		return &Record{}, nil
	}

	// values loaded from disk come back as generic maps
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error marshalling data: %w", err)
	}

	var record Record
	if err := json.Unmarshal(jsonData, &record); err != nil {
		return nil, fmt.Errorf("error unmarshalling to *Record: %w", err)
	}

	if len(record.History) > historyLimit {
		record.History = record.History[len(record.History)-historyLimit:]
	}
	return &record, nil
}

func (s *Storage) save(guildID string, record *Record) {
	if len(record.History) > historyLimit {
		record.History = record.History[len(record.History)-historyLimit:]
	}
	s.ds.Add(guildID, record)
}

// GetBindings returns the guild's bindings ordered by channel.
func (s *Storage) GetBindings(ctx context.Context, guildID string) ([]adhoc.ChannelBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(record.Bindings)
	slices.SortFunc(out, func(a, b adhoc.ChannelBinding) int {
		return strings.Compare(a.ChannelID, b.ChannelID)
	})
	return out, nil
}

// SetBinding creates or replaces the binding of b.ChannelID. A channel has
// at most one binding; its id is kept across replacements.
func (s *Storage) SetBinding(guildID string, b adhoc.ChannelBinding) (adhoc.ChannelBinding, error) {
	if guildID == "" || b.ChannelID == "" {
		return adhoc.ChannelBinding{}, fmt.Errorf("guild and channel are required")
	}
	if !b.Purpose.Known() {
		return adhoc.ChannelBinding{}, fmt.Errorf("unknown purpose %q", b.Purpose)
	}
	if b.Purpose == adhoc.PurposeGameVoiceMonitor && b.GameID == adhoc.NoGame {
		return adhoc.ChannelBinding{}, fmt.Errorf("purpose %q needs a game", b.Purpose)
	}
	if b.Config.MinPlayers < 0 {
		return adhoc.ChannelBinding{}, fmt.Errorf("min players must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return adhoc.ChannelBinding{}, err
	}

	b.GuildID = guildID
	i := slices.IndexFunc(record.Bindings, func(x adhoc.ChannelBinding) bool { return x.ChannelID == b.ChannelID })
	if i >= 0 {
		b.ID = record.Bindings[i].ID
		record.Bindings[i] = b
	} else {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		record.Bindings = append(record.Bindings, b)
	}

	record.History = append(record.History, HistoryRecord{
		BindingID: b.ID,
		ChannelID: b.ChannelID,
		Purpose:   b.Purpose,
		Action:    "set",
		Datetime:  s.now(),
	})
	s.save(guildID, record)
	return b, nil
}

// RemoveBinding deletes the binding of a channel.
func (s *Storage) RemoveBinding(guildID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(record.Bindings, func(x adhoc.ChannelBinding) bool { return x.ChannelID == channelID })
	if i < 0 {
		return fmt.Errorf("channel %s: %w", channelID, ErrBindingNotFound)
	}
	removed := record.Bindings[i]
	record.Bindings = slices.Delete(record.Bindings, i, i+1)
	record.History = append(record.History, HistoryRecord{
		BindingID: removed.ID,
		ChannelID: removed.ChannelID,
		Purpose:   removed.Purpose,
		Action:    "removed",
		Datetime:  s.now(),
	})
	s.save(guildID, record)
	return nil
}

// FetchHistory returns the latest binding changes of a guild.
func (s *Storage) FetchHistory(guildID string) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return nil, err
	}
	return record.History, nil
}
