package adhoc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const testDebounce = time.Second

type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	handlers  map[int]any
	guilds    []string
	voice     map[string][]Member
	presences map[string]*discordgo.Presence
}

func newFakeGateway(guilds ...string) *fakeGateway {
	return &fakeGateway{
		handlers:  make(map[int]any),
		guilds:    guilds,
		voice:     make(map[string][]Member),
		presences: make(map[string]*discordgo.Presence),
	}
}

func (g *fakeGateway) AddHandler(h any) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.handlers[id] = h
	return func() {
		g.mu.Lock()
		delete(g.handlers, id)
		g.mu.Unlock()
	}
}

func (g *fakeGateway) Guilds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.guilds)
}

func (g *fakeGateway) VoiceMembers(_, channelID string) ([]Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.voice[channelID]), nil
}

func (g *fakeGateway) ChannelName(_, channelID string) string { return "name-" + channelID }

func (g *fakeGateway) Presence(_, userID string) (*discordgo.Presence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.presences[userID]
	if !ok {
		return nil, discordgo.ErrStateNotFound
	}
	return p, nil
}

func (g *fakeGateway) handlerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handlers)
}

func (g *fakeGateway) snapshotHandlers() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, 0, len(g.handlers))
	for _, h := range g.handlers {
		out = append(out, h)
	}
	return out
}

// move updates the fake voice membership and emits the matching update.
func (g *fakeGateway) move(userID, before, after string) {
	g.mu.Lock()
	if before != "" {
		g.voice[before] = slices.DeleteFunc(g.voice[before], func(m Member) bool { return m.UserID == userID })
	}
	if after != "" {
		g.voice[after] = append(g.voice[after], member(userID))
	}
	g.mu.Unlock()
	g.emitVoice(vsu(userID, before, after))
}

func (g *fakeGateway) emitVoice(v *discordgo.VoiceStateUpdate) {
	for _, h := range g.snapshotHandlers() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.VoiceStateUpdate)); ok {
			fn(nil, v)
		}
	}
}

// play updates the cached presence and emits the matching update.
func (g *fakeGateway) play(userID, game string) {
	g.setPresence(userID, game)
	g.emitPresence(userID, game)
}

func (g *fakeGateway) setPresence(userID, game string) {
	g.mu.Lock()
	g.presences[userID] = presenceOf(userID, game)
	g.mu.Unlock()
}

func (g *fakeGateway) emitPresence(userID, game string) {
	p := presenceOf(userID, game)
	for _, h := range g.snapshotHandlers() {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.PresenceUpdate)); ok {
			fn(nil, &discordgo.PresenceUpdate{Presence: *p, GuildID: "g1"})
		}
	}
}

func presenceOf(userID, game string) *discordgo.Presence {
	p := &discordgo.Presence{User: &discordgo.User{ID: userID}}
	if game != "" {
		p.Activities = []*discordgo.Activity{{Name: game, Type: discordgo.ActivityTypeGame}}
	}
	return p
}

func vsu(userID, before, after string) *discordgo.VoiceStateUpdate {
	v := &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "g1",
			UserID:    userID,
			ChannelID: after,
			Member:    &discordgo.Member{Nick: "user " + userID, User: &discordgo.User{ID: userID}},
		},
	}
	if before != "" {
		v.BeforeUpdate = &discordgo.VoiceState{GuildID: "g1", UserID: userID, ChannelID: before}
	}
	return v
}

type fakeBindings map[string][]ChannelBinding

func (f fakeBindings) GetBindings(_ context.Context, guildID string) ([]ChannelBinding, error) {
	return f[guildID], nil
}

type fakeCatalog map[string]Game

func (f fakeCatalog) MatchActivity(_ context.Context, ref ActivityRef) (Game, bool, error) {
	g, ok := f[ref.Name]
	return g, ok, nil
}

var testCatalog = fakeCatalog{
	"Dota 2":           {ID: 7, Name: "Dota 2"},
	"Counter-Strike 2": {ID: 9, Name: "Counter-Strike 2"},
}

type recordingLifecycle struct {
	mu    sync.Mutex
	calls []string
	joins []JoinRequest
}

func (r *recordingLifecycle) HandleVoiceJoin(_ context.Context, req JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("join %s %s %d", req.Binding.ID, req.Member.UserID, req.Game.ID))
	r.joins = append(r.joins, req)
	return nil
}

func (r *recordingLifecycle) HandleVoiceLeave(_ context.Context, bindingID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("leave %s %s", bindingID, userID))
	return nil
}

func (r *recordingLifecycle) HandleVoiceLeaveGame(_ context.Context, bindingID string, gameID GameID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("leave %s %s %d", bindingID, userID, gameID))
	return nil
}

func (r *recordingLifecycle) GetActiveState(string, GameID) (ActiveState, bool) {
	return ActiveState{}, false
}

func (r *recordingLifecycle) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recordingLifecycle) lastJoin() JoinRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins[len(r.joins)-1]
}

type harness struct {
	l     *Listener
	gw    *fakeGateway
	clock *clock.Mock
}

func newHarness(t *testing.T, store Lifecycle, bindings ...ChannelBinding) *harness {
	t.Helper()
	gw := newFakeGateway("g1")
	mock := clock.NewMock()
	l := NewListener(ListenerOptions{
		Gateway:  gw,
		Bindings: NewBindingResolver(fakeBindings{"g1": bindings}),
		Games:    NewGameResolver(gw, testCatalog, zerolog.Nop()),
		Store:    store,
		Clock:    mock,
		Debounce: testDebounce,
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{l: l, gw: gw, clock: mock}
}

func (h *harness) connect() {
	h.l.OnConnect()
	h.l.flush()
}

// settle lets the debounce window elapse and waits for the timers to land.
func (h *harness) settle() {
	h.advance(testDebounce)
}

func (h *harness) advance(d time.Duration) {
	h.l.flush()
	h.clock.Add(d)
	time.Sleep(20 * time.Millisecond)
	h.l.flush()
}

func waitCalls(t *testing.T, r *recordingLifecycle, want ...string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got := r.snapshot()
		if slices.Equal(got, want) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("calls = %q, want %q", got, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func monitor(id, channelID string, game Game, minPlayers int) ChannelBinding {
	return ChannelBinding{
		ID:        id,
		GuildID:   "g1",
		ChannelID: channelID,
		Purpose:   PurposeGameVoiceMonitor,
		GameID:    game.ID,
		GameName:  game.Name,
		Config:    BindingConfig{MinPlayers: minPlayers},
	}
}

func lobbyOn(id, channelID string, minPlayers int) ChannelBinding {
	b := lobby(id, minPlayers)
	b.ChannelID = channelID
	return b
}

func TestListener_JoinIsDebounced(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.l.flush()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("join applied before the debounce window: %q", got)
	}

	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	req := rec.lastJoin()
	if req.Member.DisplayName != "user u1" || req.Channel.Name != "name-c1" || req.Game != dota {
		t.Fatalf("unexpected join request %+v", req)
	}
}

func TestListener_BurstCoalesces(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.gw.move("u1", "c1", "")
	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	// join then leave inside one window nets out to nothing
	h.gw.move("u2", "", "c1")
	h.gw.move("u2", "c1", "")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")
}

func TestListener_MuteToggleIsIgnored(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	h.gw.emitVoice(vsu("u1", "c1", "c1"))
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")
	if h.l.jobs.Pending("voice:u1") {
		t.Fatalf("mute toggle armed a timer")
	}
}

func TestListener_LeaveWithoutBeforeState(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	h.gw.emitVoice(vsu("u1", "", ""))
	h.settle()
	waitCalls(t, rec, "join b1 u1 7", "leave b1 u1")
}

func TestListener_MoveIsLeaveThenJoin(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1), lobbyOn("b2", "c2", 1))
	h.connect()
	h.gw.play("u1", "Counter-Strike 2")

	h.gw.move("u1", "", "c1")
	h.settle()
	h.gw.move("u1", "c1", "c2")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7", "leave b1 u1", "join b2 u1 9")
}

func TestListener_UnboundAndUnknownPurposeIgnored(t *testing.T) {
	rec := &recordingLifecycle{}
	weird := ChannelBinding{ID: "b9", GuildID: "g1", ChannelID: "c9", Purpose: "music"}
	h := newHarness(t, rec, weird)
	h.connect()

	h.gw.move("u1", "", "c9")
	h.gw.move("u2", "", "c-unbound")
	h.settle()
	h.gw.move("u1", "c9", "")
	h.settle()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("unexpected calls %q", got)
	}
}

func TestListener_BotsAreIgnored(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	v := vsu("robot", "", "c1")
	v.Member.User.Bot = true
	h.gw.emitVoice(v)
	h.settle()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("bot produced calls %q", got)
	}
}

func TestListener_LobbyGameSwitch(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, lobbyOn("b1", "c1", 1))
	h.connect()

	h.gw.play("u1", "Dota 2")
	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	h.gw.play("u1", "Counter-Strike 2")
	waitCalls(t, rec, "join b1 u1 7", "leave b1 u1 7", "join b1 u1 9")

	// same game again is not a switch
	h.gw.play("u1", "Counter-Strike 2")
	h.l.flush()
	waitCalls(t, rec, "join b1 u1 7", "leave b1 u1 7", "join b1 u1 9")

	h.gw.play("u1", "")
	waitCalls(t, rec, "join b1 u1 7", "leave b1 u1 7", "join b1 u1 9", "leave b1 u1 9", "join b1 u1 0")
}

func TestListener_PresenceIgnoredOutsideLobby(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")

	h.gw.play("u1", "Counter-Strike 2")
	h.gw.play("u2", "Counter-Strike 2")
	h.l.flush()
	waitCalls(t, rec, "join b1 u1 7")
}

func TestListener_LobbyPresentFiltersByGame(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, lobbyOn("b1", "c1", 2))
	h.connect()

	h.gw.play("u1", "Dota 2")
	h.gw.play("u2", "Counter-Strike 2")
	h.gw.play("u3", "Dota 2")
	h.gw.move("u1", "", "c1")
	h.settle()
	h.gw.move("u2", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7", "join b1 u2 9")

	h.gw.move("u3", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7", "join b1 u2 9", "join b1 u3 7")

	req := rec.lastJoin()
	if len(req.Present) != 1 || req.Present[0].UserID != "u1" {
		t.Fatalf("present = %+v, want only u1", req.Present)
	}
}

func TestListener_DisconnectCancelsPendingTimers(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.l.flush()
	h.l.OnDisconnect()
	if h.gw.handlerCount() != 0 {
		t.Fatalf("handlers still attached after disconnect")
	}

	h.settle()
	h.gw.move("u2", "", "c1")
	h.settle()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("calls after disconnect: %q", got)
	}
}

func TestListener_ReconnectReplacesHandlers(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()
	h.connect()
	if n := h.gw.handlerCount(); n != 2 {
		t.Fatalf("handlers = %d, want 2", n)
	}

	h.gw.move("u1", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u1 7")
}

func TestListener_RecoverySeedsTrackingWithoutJoins(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 2))
	h.gw.voice["c1"] = members("u1", "u2")

	h.connect()
	h.settle()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("recovery synthesized calls: %q", got)
	}

	h.gw.move("u3", "", "c1")
	h.settle()
	waitCalls(t, rec, "join b1 u3 7")
	if req := rec.lastJoin(); len(req.Present) != 2 {
		t.Fatalf("recovered members should count as present: %+v", req.Present)
	}

	// recovered members are tracked, so their departure is a leave
	h.gw.move("u1", "c1", "")
	h.settle()
	waitCalls(t, rec, "join b1 u3 7", "leave b1 u1")
}

func TestListener_GuildAvailableRecovery(t *testing.T) {
	rec := &recordingLifecycle{}
	h := newHarness(t, rec, monitor("b1", "c1", dota, 1))
	h.connect()

	h.gw.mu.Lock()
	h.gw.voice["c1"] = members("u1")
	h.gw.mu.Unlock()
	h.l.OnGuildAvailable("g1")
	h.l.flush()

	h.gw.emitVoice(vsu("u1", "", ""))
	h.settle()
	waitCalls(t, rec, "leave b1 u1")
}

// Monitor channel with a threshold of two, driven through the real Store.
func TestListener_StoreScenario(t *testing.T) {
	events := &fakeEvents{}
	store, _ := newTestStore(events, 64)
	h := newHarness(t, store, monitor("b1", "c1", dota, 2))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.settle()
	if store.HasAnyActiveEvent("b1") {
		t.Fatalf("one member must not open an event")
	}

	h.gw.move("u2", "", "c1")
	h.settle()
	waitFor(t, func() bool { return store.HasAnyActiveEvent("b1") })
	st, _ := store.GetActiveState("b1", dota.ID)
	if !slices.Equal(st.MemberIDs(), []string{"u1", "u2"}) {
		t.Fatalf("members = %v", st.MemberIDs())
	}

	h.gw.move("u1", "c1", "")
	h.gw.move("u2", "c1", "")
	h.settle()
	waitFor(t, func() bool { return !store.HasAnyActiveEvent("b1") })
	if c, f := events.counts(); c != 1 || f != 1 {
		t.Fatalf("created %d finalized %d, want 1/1", c, f)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Lobby with a threshold of two: a game switch leaves the old key and
// joins a new one that stays below threshold until a second player follows.
func TestListener_LobbyGameSwitchScenario(t *testing.T) {
	events := &fakeEvents{}
	store, _ := newTestStore(events, 64)
	cs := Game{ID: 9, Name: "Counter-Strike 2"}
	h := newHarness(t, store, lobbyOn("B1", "C1", 2))
	h.connect()

	h.gw.play("U1", "Dota 2")
	h.gw.play("U2", "Dota 2")

	h.gw.move("U1", "", "C1")
	h.settle()
	if store.HasAnyActiveEvent("B1") {
		t.Fatalf("U1 alone must not open an event")
	}

	h.gw.move("U2", "", "C1")
	h.settle()
	waitFor(t, func() bool { return store.HasAnyActiveEvent("B1") })
	st, _ := store.GetActiveState("B1", dota.ID)
	if !slices.Equal(st.MemberIDs(), []string{"U1", "U2"}) || st.EventID != "ev-1" {
		t.Fatalf("E1 = %+v", st)
	}

	h.gw.play("U1", "Counter-Strike 2")
	waitFor(t, func() bool {
		st, ok := store.GetActiveState("B1", dota.ID)
		return ok && len(st.Members) == 1
	})
	h.l.flush()
	st, _ = store.GetActiveState("B1", dota.ID)
	if !slices.Equal(st.MemberIDs(), []string{"U2"}) {
		t.Fatalf("(B1, Dota 2) = %v, want [U2]", st.MemberIDs())
	}
	if _, ok := store.GetActiveState("B1", cs.ID); ok {
		t.Fatalf("U1 alone must not open a Counter-Strike event")
	}

	h.gw.play("U2", "Counter-Strike 2")
	waitFor(t, func() bool {
		_, ok := store.GetActiveState("B1", cs.ID)
		return ok
	})
	h.l.flush()
	if _, ok := store.GetActiveState("B1", dota.ID); ok {
		t.Fatalf("(B1, Dota 2) should be finalized once empty")
	}
	st, _ = store.GetActiveState("B1", cs.ID)
	if !slices.Equal(st.MemberIDs(), []string{"U1", "U2"}) {
		t.Fatalf("(B1, Counter-Strike 2) = %v", st.MemberIDs())
	}
	if got := events.finalizedIDs(); !slices.Equal(got, []string{"ev-1"}) {
		t.Fatalf("finalized = %v", got)
	}
}

// A recovery queued by OnConnect runs before presence updates delivered
// right after the handlers are attached.
func TestListener_RecoveryPrecedesQueuedPresence(t *testing.T) {
	for i := range 10 {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			rec := &recordingLifecycle{}
			h := newHarness(t, rec, lobbyOn("b1", "c1", 1))
			h.gw.voice["c1"] = members("u1")
			h.gw.setPresence("u1", "Dota 2")

			h.l.OnConnect()
			h.gw.emitPresence("u1", "Counter-Strike 2")
			h.l.flush()
			waitCalls(t, rec, "leave b1 u1 7", "join b1 u1 9")
		})
	}
}

// u2 is pulled into the event by u1's join while u2's own join is still
// debouncing, then leaves inside that window.
func TestListener_MemberCountedByAnotherJoinCanLeave(t *testing.T) {
	events := &fakeEvents{}
	store, _ := newTestStore(events, 64)
	h := newHarness(t, store, monitor("b1", "c1", dota, 2))
	h.connect()

	h.gw.move("u1", "", "c1")
	h.advance(testDebounce / 2)
	h.gw.move("u2", "", "c1")
	h.advance(testDebounce / 2)
	waitFor(t, func() bool { return store.HasAnyActiveEvent("b1") })
	st, _ := store.GetActiveState("b1", dota.ID)
	if !slices.Equal(st.MemberIDs(), []string{"u1", "u2"}) {
		t.Fatalf("members = %v", st.MemberIDs())
	}

	h.gw.move("u2", "c1", "")
	h.gw.move("u1", "c1", "")
	h.settle()
	h.settle()
	waitFor(t, func() bool { return !store.HasAnyActiveEvent("b1") })
	if c, f := events.counts(); c != 1 || f != 1 {
		t.Fatalf("created %d finalized %d, want 1/1", c, f)
	}
}

// U2 is moved to the Counter-Strike event by U1's switch before U2's own
// presence update arrives; that update must not touch the new event.
func TestListener_PresenceAfterBeingCountedUnderNewGame(t *testing.T) {
	events := &fakeEvents{}
	store, _ := newTestStore(events, 64)
	cs := Game{ID: 9, Name: "Counter-Strike 2"}
	h := newHarness(t, store, lobbyOn("B1", "C1", 2))
	h.connect()

	h.gw.play("U1", "Dota 2")
	h.gw.play("U2", "Dota 2")
	h.gw.move("U1", "", "C1")
	h.settle()
	h.gw.move("U2", "", "C1")
	h.settle()
	waitFor(t, func() bool { return store.HasAnyActiveEvent("B1") })

	h.gw.setPresence("U2", "Counter-Strike 2")
	h.gw.play("U1", "Counter-Strike 2")
	waitFor(t, func() bool {
		_, ok := store.GetActiveState("B1", cs.ID)
		return ok
	})
	h.l.flush()
	st, _ := store.GetActiveState("B1", cs.ID)
	if !slices.Equal(st.MemberIDs(), []string{"U1", "U2"}) || st.EventID != "ev-2" {
		t.Fatalf("(B1, Counter-Strike 2) = %+v", st)
	}
	drainSignals(store)

	h.gw.emitPresence("U2", "Counter-Strike 2")
	h.l.flush()
	if got := drainSignals(store); len(got) != 0 {
		t.Fatalf("unexpected signals %v", kinds(got))
	}
	if c, f := events.counts(); c != 2 || f != 1 {
		t.Fatalf("created %d finalized %d, want 2/1", c, f)
	}
}
