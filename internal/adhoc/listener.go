package adhoc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/adhoc-lobby/pkg/jobmgr"
	"github.com/keshon/adhoc-lobby/pkg/util"
)

const (
	DefaultDebounce  = 2 * time.Second
	defaultQueueSize = 256
	recoveryWorkers  = 4
)

// inboxMsg is the sealed set of messages the dispatch loop accepts.
type inboxMsg interface{ isInboxMsg() }

type voiceUpdate struct {
	gen     uint64
	guildID string
	userID  string
	before  string
	after   string
	member  Member
}

type presenceUpdate struct {
	gen      uint64
	guildID  string
	userID   string
	presence *discordgo.Presence
}

type settled struct {
	gen    uint64
	userID string
	seq    uint64
}

type recoverTracking struct{ gen uint64 }

type recoverGuild struct {
	gen     uint64
	guildID string
}

type resetTracking struct{}

type barrier struct{ done chan struct{} }

func (voiceUpdate) isInboxMsg()     {}
func (presenceUpdate) isInboxMsg()  {}
func (settled) isInboxMsg()         {}
func (recoverTracking) isInboxMsg() {}
func (recoverGuild) isInboxMsg()    {}
func (resetTracking) isInboxMsg()   {}
func (barrier) isInboxMsg()         {}

// tracked records which monitored channel, binding and game a user is
// currently attributed to.
type tracked struct {
	guildID   string
	channelID string
	bindingID string
	gameID    GameID
	member    Member
}

// pending is a transition waiting for its debounce timer. from is the
// channel before the burst started, to the latest channel seen. Whether a
// leave is due is decided against tracking when the timer fires.
type pending struct {
	guildID string
	from    string
	to      string
	member  Member
	seq     uint64
}

type ListenerOptions struct {
	Gateway   Gateway
	Bindings  *BindingResolver
	Games     *GameResolver
	Store     Lifecycle
	Clock     clock.Clock
	Debounce  time.Duration
	QueueSize int
	Logger    zerolog.Logger
}

// Listener is the entry point of the engine. Gateway callbacks only enqueue;
// all state lives on the goroutine running Run.
type Listener struct {
	gw       Gateway
	bindings *BindingResolver
	games    *GameResolver
	store    Lifecycle
	jobs     *jobmgr.Manager
	debounce time.Duration
	log      zerolog.Logger

	control  chan inboxMsg
	voice    chan inboxMsg
	presence chan inboxMsg
	timers   chan inboxMsg
	done     chan struct{}

	gen      atomic.Uint64
	mu       sync.Mutex
	removers []func()

	// owned by the dispatch loop
	activeGen uint64
	seq       uint64
	tracking  map[string]tracked
	pending   map[string]*pending
}

func NewListener(opts ListenerOptions) *Listener {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	log := opts.Logger.With().Str("component", "voice").Logger()
	return &Listener{
		gw:       opts.Gateway,
		bindings: opts.Bindings,
		games:    opts.Games,
		store:    opts.Store,
		jobs: jobmgr.NewManager(opts.Clock, func(s string) {
			log.Trace().Str("job", s).Msg("debounce")
		}),
		debounce: opts.Debounce,
		log:      log,
		control:  make(chan inboxMsg, opts.QueueSize),
		voice:    make(chan inboxMsg, opts.QueueSize),
		presence: make(chan inboxMsg, opts.QueueSize),
		timers:   make(chan inboxMsg, opts.QueueSize),
		done:     make(chan struct{}),
		tracking: make(map[string]tracked),
		pending:  make(map[string]*pending),
	}
}

// Run is the dispatch loop. It returns when ctx is cancelled. Control
// messages (recovery, reset) are always handled before any gateway or
// timer message queued after them.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.jobs.StopAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-l.control:
			l.dispatch(ctx, msg)
		case msg := <-l.voice:
			l.drainControl(ctx)
			l.dispatch(ctx, msg)
		case msg := <-l.presence:
			l.drainControl(ctx)
			l.dispatch(ctx, msg)
		case msg := <-l.timers:
			l.drainControl(ctx)
			l.dispatch(ctx, msg)
		}
	}
}

func (l *Listener) drainControl(ctx context.Context) {
	for {
		select {
		case msg := <-l.control:
			l.dispatch(ctx, msg)
		default:
			return
		}
	}
}

// OnConnect attaches the voice and presence handlers, replacing any
// attached earlier, and queues a recovery pass over already-present members.
func (l *Listener) OnConnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.detachLocked()
	l.jobs.StopAll()
	l.bindings.Invalidate()
	gen := l.gen.Add(1)

	l.enqueue(l.control, recoverTracking{gen: gen})
	l.removers = append(l.removers,
		l.gw.AddHandler(l.onVoiceStateUpdate),
		l.gw.AddHandler(l.onPresenceUpdate),
	)
	l.log.Info().Uint64("session", gen).Msg("voice listener attached")
}

// OnGuildAvailable queues a recovery pass for a single guild. Discord
// delivers guild voice states after the session is ready, one guild at a time.
func (l *Listener) OnGuildAvailable(guildID string) {
	l.enqueue(l.control, recoverGuild{gen: l.gen.Load(), guildID: guildID})
}

// OnDisconnect detaches handlers and forgets everything tied to the
// connection session. Timers that fire afterwards do nothing.
func (l *Listener) OnDisconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.detachLocked()
	cancelled := l.jobs.StopAll()
	l.gen.Add(1)
	l.bindings.Invalidate()
	l.enqueue(l.control, resetTracking{})
	l.log.Info().Int("cancelled", cancelled).Msg("voice listener detached")
}

func (l *Listener) detachLocked() {
	for _, remove := range l.removers {
		remove()
	}
	l.removers = nil
}

func (l *Listener) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || isBot(v.Member) {
		return
	}
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	l.enqueue(l.voice, voiceUpdate{
		gen:     l.gen.Load(),
		guildID: v.GuildID,
		userID:  v.UserID,
		before:  before,
		after:   v.ChannelID,
		member:  MemberFromDiscord(v.UserID, v.Member),
	})
}

func (l *Listener) onPresenceUpdate(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p == nil || p.User == nil {
		return
	}
	presence := p.Presence
	l.enqueue(l.presence, presenceUpdate{
		gen:      l.gen.Load(),
		guildID:  p.GuildID,
		userID:   p.User.ID,
		presence: &presence,
	})
}

func (l *Listener) enqueue(ch chan inboxMsg, msg inboxMsg) {
	select {
	case ch <- msg:
	case <-l.done:
	}
}

// flush returns once every message queued before the call was handled.
func (l *Listener) flush() {
	for _, ch := range []chan inboxMsg{l.control, l.voice, l.presence, l.timers} {
		done := make(chan struct{})
		select {
		case ch <- barrier{done: done}:
		case <-l.done:
			return
		}
		select {
		case <-done:
		case <-l.done:
			return
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, msg inboxMsg) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msgf("voice handler panicked on %T", msg)
		}
	}()

	switch m := msg.(type) {
	case barrier:
		close(m.done)
	case resetTracking:
		l.activeGen = 0
		clear(l.tracking)
		clear(l.pending)
	case recoverTracking:
		if m.gen != l.gen.Load() {
			return
		}
		l.activeGen = m.gen
		clear(l.tracking)
		clear(l.pending)
		l.recoverGuilds(ctx, l.gw.Guilds())
	case recoverGuild:
		if m.gen != l.activeGen {
			return
		}
		l.recoverGuilds(ctx, []string{m.guildID})
	case voiceUpdate:
		if m.gen != l.activeGen {
			return
		}
		l.handleVoiceUpdate(m)
	case settled:
		if m.gen != l.activeGen {
			return
		}
		l.handleSettled(ctx, m)
	case presenceUpdate:
		if m.gen != l.activeGen {
			return
		}
		l.handlePresence(ctx, m)
	}
}

// handleVoiceUpdate classifies a raw voice-state change and (re)arms the
// user's debounce timer. Updates that leave the channel unchanged are
// mute, deafen or video toggles and never touch the timer.
func (l *Listener) handleVoiceUpdate(m voiceUpdate) {
	p, ok := l.pending[m.userID]
	if !ok {
		from := m.before
		if t, known := l.tracking[m.userID]; known && from == "" {
			from = t.channelID
		}
		if from == m.after {
			return
		}
		p = &pending{guildID: m.guildID, from: from}
		l.pending[m.userID] = p
	} else if p.to == m.after {
		return
	}
	p.to = m.after
	if m.member.DisplayName != "" || p.member.UserID == "" {
		p.member = m.member
	}
	l.seq++
	p.seq = l.seq

	gen, userID, seq := m.gen, m.userID, p.seq
	l.jobs.Schedule("voice:"+userID, l.debounce, func() {
		l.enqueue(l.timers, settled{gen: gen, userID: userID, seq: seq})
	})
}

func (l *Listener) handleSettled(ctx context.Context, m settled) {
	p, ok := l.pending[m.userID]
	if !ok || p.seq != m.seq {
		return
	}
	delete(l.pending, m.userID)

	// another member's join may already have counted this user in p.to
	t, known := l.tracking[m.userID]
	if known && t.channelID == p.to {
		return
	}
	if known {
		l.settleLeave(ctx, m.userID)
	}
	if p.to != "" {
		l.settleJoin(ctx, p.guildID, p.to, p.member)
	}
}

func (l *Listener) settleLeave(ctx context.Context, userID string) {
	t, ok := l.tracking[userID]
	if !ok {
		return
	}
	delete(l.tracking, userID)

	if err := l.store.HandleVoiceLeave(ctx, t.bindingID, userID); err != nil {
		l.log.Error().Err(err).Str("binding", t.bindingID).Str("user", userID).Msg("voice leave failed")
	}
}

func (l *Listener) settleJoin(ctx context.Context, guildID, channelID string, member Member) {
	b, err := l.bindings.Resolve(ctx, guildID, channelID)
	if err != nil {
		l.log.Warn().Err(err).Str("guild", guildID).Str("channel", channelID).Msg("binding lookup failed")
		return
	}
	if b == nil {
		return
	}

	game := l.gameFor(ctx, *b, member.UserID)
	l.join(ctx, *b, channelID, member, game)
	l.tracking[member.UserID] = tracked{
		guildID:   guildID,
		channelID: channelID,
		bindingID: b.ID,
		gameID:    game.ID,
		member:    member,
	}
}

// handlePresence moves a tracked lobby member between game keys when
// their detected game changes. Channel membership is unchanged.
func (l *Listener) handlePresence(ctx context.Context, m presenceUpdate) {
	t, ok := l.tracking[m.userID]
	if !ok || t.guildID != m.guildID {
		return
	}
	b, err := l.bindings.Resolve(ctx, t.guildID, t.channelID)
	if err != nil {
		l.log.Warn().Err(err).Str("guild", t.guildID).Str("channel", t.channelID).Msg("binding lookup failed")
		return
	}
	if b == nil || b.Purpose != PurposeGeneralLobby {
		return
	}

	game := l.games.DetectGame(ctx, m.presence)
	if game.ID == t.gameID {
		return
	}

	l.log.Debug().
		Str("user", m.userID).
		Int64("from_game", int64(t.gameID)).
		Int64("to_game", int64(game.ID)).
		Msg("game switch")

	if err := l.store.HandleVoiceLeaveGame(ctx, b.ID, t.gameID, m.userID); err != nil {
		l.log.Error().Err(err).Str("binding", b.ID).Str("user", m.userID).Msg("voice leave failed")
	}
	l.join(ctx, *b, t.channelID, t.member, game)

	t.gameID = game.ID
	l.tracking[m.userID] = t
}

func (l *Listener) join(ctx context.Context, b ChannelBinding, channelID string, member Member, game Game) {
	req := JoinRequest{
		Binding: b,
		Member:  member,
		Channel: Channel{GuildID: b.GuildID, ID: channelID, Name: l.gw.ChannelName(b.GuildID, channelID)},
		Game:    game,
		Present: l.qualifying(ctx, b, channelID, member.UserID, game),
	}
	if err := l.store.HandleVoiceJoin(ctx, req); err != nil {
		l.log.Error().Err(err).Str("binding", b.ID).Str("user", member.UserID).Msg("voice join failed")
	}
	l.adopt(b, channelID, game)
}

// adopt tracks every member the store now counts under (binding, game),
// including those pulled in from the live channel list, so their leave
// and game switch apply to the key that holds them. Users tracked on
// another binding keep that entry until their own update settles.
func (l *Listener) adopt(b ChannelBinding, channelID string, game Game) {
	st, ok := l.store.GetActiveState(b.ID, game.ID)
	if !ok {
		return
	}
	for id, m := range st.Members {
		if t, known := l.tracking[id]; known && t.bindingID != b.ID {
			continue
		}
		l.tracking[id] = tracked{
			guildID:   b.GuildID,
			channelID: channelID,
			bindingID: b.ID,
			gameID:    game.ID,
			member:    m,
		}
	}
}

func (l *Listener) gameFor(ctx context.Context, b ChannelBinding, userID string) Game {
	if b.Purpose == PurposeGameVoiceMonitor {
		return b.FixedGame()
	}
	return l.games.DetectGameForMember(ctx, b.GuildID, userID)
}

// qualifying returns the other live members of the channel that count
// toward game. For a lobby that means members detected on the same game.
func (l *Listener) qualifying(ctx context.Context, b ChannelBinding, channelID, joinerID string, game Game) []Member {
	members, err := l.gw.VoiceMembers(b.GuildID, channelID)
	if err != nil {
		l.log.Warn().Err(err).Str("channel", channelID).Msg("voice membership unavailable")
		return nil
	}

	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.UserID == joinerID {
			continue
		}
		if b.Purpose == PurposeGeneralLobby && l.games.DetectGameForMember(ctx, b.GuildID, m.UserID).ID != game.ID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// recoverGuilds seeds the tracking map with members already sitting in
// bound channels. No joins are synthesized: recovered members only count
// toward a threshold once a new join is witnessed in their channel.
func (l *Listener) recoverGuilds(ctx context.Context, guilds []string) {
	var mu sync.Mutex
	byGuild := make(map[string][]ChannelBinding, len(guilds))
	err := util.Parallel(ctx, guilds, recoveryWorkers, func(ctx context.Context, guildID string) error {
		bindings, err := l.bindings.GetBindings(ctx, guildID)
		if err != nil {
			l.log.Warn().Err(err).Str("guild", guildID).Msg("recovery: bindings unavailable")
			return nil
		}
		mu.Lock()
		byGuild[guildID] = bindings
		mu.Unlock()
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("recovery interrupted")
		return
	}

	seeded := 0
	for _, guildID := range guilds {
		for _, b := range byGuild[guildID] {
			if !b.Usable() {
				continue
			}
			n, err := l.recoverBinding(ctx, b)
			if err != nil {
				l.log.Warn().Err(err).Str("binding", b.ID).Msg("recovery: binding skipped")
				continue
			}
			seeded += n
		}
	}
	l.log.Info().Int("guilds", len(guilds)).Int("members", seeded).Msg("voice tracking recovered")
}

func (l *Listener) recoverBinding(ctx context.Context, b ChannelBinding) (int, error) {
	members, err := l.gw.VoiceMembers(b.GuildID, b.ChannelID)
	if err != nil {
		return 0, fmt.Errorf("voice members of %s: %w", b.ChannelID, err)
	}
	seeded := 0
	for _, m := range members {
		if _, ok := l.tracking[m.UserID]; ok {
			continue
		}
		seeded++
		l.tracking[m.UserID] = tracked{
			guildID:   b.GuildID,
			channelID: b.ChannelID,
			bindingID: b.ID,
			gameID:    l.gameFor(ctx, b, m.UserID).ID,
			member:    m,
		}
	}
	return seeded, nil
}
