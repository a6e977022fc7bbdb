package adhoc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// AdHocEvent is what the event collaborator needs to open an event.
type AdHocEvent struct {
	GameID   GameID
	GameName string
	Channel  Channel
	Members  []Member
}

// EventSink owns ad-hoc events. Ids it returns are opaque to the engine.
type EventSink interface {
	CreateAdHocEvent(ctx context.Context, ev AdHocEvent) (string, error)
	FinalizeAdHocEvent(ctx context.Context, eventID string) error
}

// JoinRequest describes a settled join. Present holds the channel members
// that currently qualify for Game, as observed by the caller.
type JoinRequest struct {
	Binding ChannelBinding
	Member  Member
	Channel Channel
	Game    Game
	Present []Member
}

// Lifecycle is the part of the Store the Listener drives.
type Lifecycle interface {
	HandleVoiceJoin(ctx context.Context, req JoinRequest) error
	HandleVoiceLeave(ctx context.Context, bindingID, userID string) error
	HandleVoiceLeaveGame(ctx context.Context, bindingID string, gameID GameID, userID string) error
	GetActiveState(bindingID string, gameID GameID) (ActiveState, bool)
}

// ActiveState is one live (binding, game) session.
type ActiveState struct {
	BindingID      string
	GameID         GameID
	GameName       string
	EventID        string
	Channel        Channel
	Members        map[string]Member
	CreatedAt      time.Time
	LastExtendedAt time.Time
}

// MemberIDs returns the member ids in sorted order.
func (s ActiveState) MemberIDs() []string {
	ids := slices.Collect(maps.Keys(s.Members))
	slices.Sort(ids)
	return ids
}

func (s *ActiveState) clone() ActiveState {
	c := *s
	c.Members = maps.Clone(s.Members)
	return c
}

type stateKey struct {
	BindingID string
	GameID    GameID
}

type StoreOptions struct {
	Events       EventSink
	Clock        clock.Clock
	SignalBuffer int
	Logger       zerolog.Logger
}

// Store is the ad-hoc event state machine. Each (binding, game) key is
// either absent or active with a non-empty member set.
type Store struct {
	events  EventSink
	clock   clock.Clock
	log     zerolog.Logger
	signals chan Signal

	mu     sync.Mutex
	states map[stateKey]*ActiveState
}

func NewStore(opts StoreOptions) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SignalBuffer <= 0 {
		opts.SignalBuffer = 64
	}
	return &Store{
		events:  opts.Events,
		clock:   opts.Clock,
		log:     opts.Logger.With().Str("component", "lifecycle").Logger(),
		signals: make(chan Signal, opts.SignalBuffer),
		states:  make(map[stateKey]*ActiveState),
	}
}

// Signals delivers lifecycle transitions. Slow consumers lose signals
// rather than stall the engine.
func (s *Store) Signals() <-chan Signal {
	return s.signals
}

// GetActiveState returns a copy of the state for the key, if active.
func (s *Store) GetActiveState(bindingID string, gameID GameID) (ActiveState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey{bindingID, gameID}]
	if !ok {
		return ActiveState{}, false
	}
	return st.clone(), true
}

// HasAnyActiveEvent reports whether the binding has a live state for any game.
func (s *Store) HasAnyActiveEvent(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.states {
		if k.BindingID == bindingID {
			return true
		}
	}
	return false
}

// ActiveStates returns a snapshot of every live state.
func (s *Store) ActiveStates() []ActiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	slices.SortFunc(out, func(a, b ActiveState) int {
		if c := cmp.Compare(a.BindingID, b.BindingID); c != 0 {
			return c
		}
		return cmp.Compare(a.GameID, b.GameID)
	})
	return out
}

// HandleVoiceJoin applies a settled join. An active state gains the member;
// an absent one becomes active only if the qualifying members reach the
// binding's threshold, otherwise the join leaves no trace.
func (s *Store) HandleVoiceJoin(ctx context.Context, req JoinRequest) error {
	if req.Member.UserID == "" {
		return fmt.Errorf("join without user id for binding %s", req.Binding.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{req.Binding.ID, req.Game.ID}
	now := s.clock.Now()

	if st, ok := s.states[key]; ok {
		errs := []error{s.detachLocked(ctx, key, req.Member.UserID)}
		if _, already := st.Members[req.Member.UserID]; !already {
			st.Members[req.Member.UserID] = req.Member
			// an unopened event announces all members once it opens
			if st.EventID != "" {
				s.publish(Signal{Kind: SignalMemberAdded, BindingID: st.BindingID, GameID: st.GameID, GameName: st.GameName, EventID: st.EventID, MemberID: req.Member.UserID, At: now})
			}
		}
		st.LastExtendedAt = now
		if st.EventID == "" {
			errs = append(errs, s.openLocked(ctx, st))
		}
		return errors.Join(errs...)
	}

	qualifying := qualifyingMembers(req)
	if len(qualifying) < req.Binding.MinPlayers() {
		s.log.Debug().
			Str("binding", req.Binding.ID).
			Int64("game", int64(req.Game.ID)).
			Int("present", len(qualifying)).
			Int("min_players", req.Binding.MinPlayers()).
			Msg("join below threshold")
		return nil
	}

	var errs []error
	for _, m := range qualifying {
		errs = append(errs, s.detachLocked(ctx, key, m.UserID))
	}

	st := &ActiveState{
		BindingID:      req.Binding.ID,
		GameID:         req.Game.ID,
		GameName:       req.Game.Name,
		Channel:        req.Channel,
		Members:        make(map[string]Member, len(qualifying)),
		CreatedAt:      now,
		LastExtendedAt: now,
	}
	for _, m := range qualifying {
		st.Members[m.UserID] = m
	}
	s.states[key] = st

	errs = append(errs, s.openLocked(ctx, st))
	return errors.Join(errs...)
}

// HandleVoiceLeave removes the user from whichever state of the binding
// holds them. The state that empties is finalized exactly once.
func (s *Store) HandleVoiceLeave(ctx context.Context, bindingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, st := range s.states {
		if key.BindingID != bindingID {
			continue
		}
		if _, ok := st.Members[userID]; ok {
			return s.removeLocked(ctx, key, st, userID)
		}
	}
	return nil
}

// HandleVoiceLeaveGame removes the user from the binding's state for one
// game only. Used when a lobby member switches games.
func (s *Store) HandleVoiceLeaveGame(ctx context.Context, bindingID string, gameID GameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{bindingID, gameID}
	st, ok := s.states[key]
	if !ok {
		return nil
	}
	if _, ok := st.Members[userID]; !ok {
		return nil
	}
	return s.removeLocked(ctx, key, st, userID)
}

// Shutdown finalizes every live event. Used when the process exits and
// nothing will be left to close them.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, st := range s.states {
		delete(s.states, key)
		errs = append(errs, s.finalizeLocked(ctx, st))
	}
	return errors.Join(errs...)
}

// openLocked creates the external event for a state that has none yet.
// On failure the state stays as is and the next join retries.
func (s *Store) openLocked(ctx context.Context, st *ActiveState) error {
	if s.events == nil {
		return nil
	}
	members := make([]Member, 0, len(st.Members))
	for _, id := range st.MemberIDs() {
		members = append(members, st.Members[id])
	}
	id, err := s.events.CreateAdHocEvent(ctx, AdHocEvent{
		GameID:   st.GameID,
		GameName: st.GameName,
		Channel:  st.Channel,
		Members:  members,
	})
	if err != nil {
		return fmt.Errorf("create ad-hoc event for binding %s game %d: %w", st.BindingID, st.GameID, err)
	}
	st.EventID = id

	now := s.clock.Now()
	s.log.Info().
		Str("binding", st.BindingID).
		Str("event", id).
		Str("game", st.GameName).
		Int("members", len(members)).
		Msg("ad-hoc event created")
	s.publish(Signal{Kind: SignalEventCreated, BindingID: st.BindingID, GameID: st.GameID, GameName: st.GameName, EventID: id, At: now})
	for _, m := range members {
		s.publish(Signal{Kind: SignalMemberAdded, BindingID: st.BindingID, GameID: st.GameID, GameName: st.GameName, EventID: id, MemberID: m.UserID, At: now})
	}
	return nil
}

// detachLocked removes the user from sibling states of the same binding,
// keeping a user in at most one member set per binding.
func (s *Store) detachLocked(ctx context.Context, keep stateKey, userID string) error {
	var errs []error
	for key, st := range s.states {
		if key == keep || key.BindingID != keep.BindingID {
			continue
		}
		if _, ok := st.Members[userID]; ok {
			errs = append(errs, s.removeLocked(ctx, key, st, userID))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) removeLocked(ctx context.Context, key stateKey, st *ActiveState, userID string) error {
	delete(st.Members, userID)
	s.publish(Signal{Kind: SignalMemberRemoved, BindingID: st.BindingID, GameID: st.GameID, GameName: st.GameName, EventID: st.EventID, MemberID: userID, At: s.clock.Now()})
	if len(st.Members) > 0 {
		return nil
	}
	delete(s.states, key)
	return s.finalizeLocked(ctx, st)
}

func (s *Store) finalizeLocked(ctx context.Context, st *ActiveState) error {
	if st.EventID == "" || s.events == nil {
		return nil
	}
	if err := s.events.FinalizeAdHocEvent(ctx, st.EventID); err != nil {
		return fmt.Errorf("finalize ad-hoc event %s: %w", st.EventID, err)
	}
	s.log.Info().Str("binding", st.BindingID).Str("event", st.EventID).Msg("ad-hoc event finalized")
	s.publish(Signal{Kind: SignalEventFinalized, BindingID: st.BindingID, GameID: st.GameID, GameName: st.GameName, EventID: st.EventID, At: s.clock.Now()})
	return nil
}

func (s *Store) publish(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		s.log.Warn().Stringer("signal", sig.Kind).Str("event", sig.EventID).Msg("signal buffer full, dropping")
	}
}

// qualifyingMembers is the joiner plus everyone present, deduplicated.
func qualifyingMembers(req JoinRequest) []Member {
	seen := make(map[string]bool, len(req.Present)+1)
	out := make([]Member, 0, len(req.Present)+1)
	add := func(m Member) {
		if m.UserID == "" || seen[m.UserID] {
			return
		}
		seen[m.UserID] = true
		out = append(out, m)
	}
	add(req.Member)
	for _, m := range req.Present {
		add(m)
	}
	return out
}
