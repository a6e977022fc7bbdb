package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
	"github.com/keshon/adhoc-lobby/internal/config"
	"github.com/keshon/adhoc-lobby/pkg/retrylimit"
)

const memberLookupTimeout = 5 * time.Second

// Observer is told about the connection lifecycle.
type Observer interface {
	OnConnect()
	OnDisconnect()
	OnGuildAvailable(guildID string)
}

// Bot is the Discord connection. It implements adhoc.Gateway on top of
// the session state cache.
type Bot struct {
	dg      *discordgo.Session
	cfg     *config.Config
	log     zerolog.Logger
	limiter *retrylimit.AdaptiveLimiter
	retry   retrylimit.RetryConfig
	obs     Observer
}

var _ adhoc.Gateway = (*Bot)(nil)

// NewBot creates the session without connecting.
func NewBot(cfg *config.Config, log zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	b := &Bot{
		dg:      dg,
		cfg:     cfg,
		log:     log.With().Str("component", "discord").Logger(),
		limiter: retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
		retry:   retrylimit.DefaultRetryConfig(),
	}
	b.retry.Status = restStatus
	b.retry.OnRetry = func(attempt int, err error) {
		b.log.Warn().Err(err).Int("attempt", attempt).Msg("Discord request failed")
	}

	b.configureIntents()
	dg.StateEnabled = true
	dg.State.TrackVoice = true
	dg.State.TrackPresences = true
	dg.State.TrackMembers = true
	dg.State.TrackChannels = true
	return b, nil
}

// configureIntents configures the Discord intents
func (b *Bot) configureIntents() {
	b.dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMembers
}

// Run connects and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context, obs Observer) error {
	b.obs = obs

	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onResumed)
	b.dg.AddHandler(b.onDisconnect)
	b.dg.AddHandler(b.onGuildCreate)

	err := retrylimit.WithRetry(ctx, b.dg.Open, b.limiter, b.retry)
	if err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("Shutdown signal received. Closing Discord session")
	return nil
}

// onReady is called when the bot is ready
func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	// Leave any blacklisted guilds on startup
	for _, g := range r.Guilds {
		if b.isGuildBlacklisted(g.ID) {
			b.leaveGuild(s, g.ID)
		}
	}

	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Discord bot is running")
	if b.obs != nil {
		b.obs.OnConnect()
	}
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.log.Info().Msg("Discord session resumed")
	if b.obs != nil {
		b.obs.OnConnect()
	}
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.log.Warn().Msg("Discord session disconnected")
	if b.obs != nil {
		b.obs.OnDisconnect()
	}
}

// onGuildCreate fires when a guild becomes available, including the
// initial burst after Ready.
func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if b.isGuildBlacklisted(g.Guild.ID) {
		b.leaveGuild(s, g.Guild.ID)
		return
	}
	b.log.Debug().Str("guild_id", g.Guild.ID).Str("guild", g.Guild.Name).Msg("Guild available")
	if b.obs != nil {
		b.obs.OnGuildAvailable(g.Guild.ID)
	}
}

func (b *Bot) leaveGuild(s *discordgo.Session, guildID string) {
	b.log.Info().Str("guild_id", guildID).Msg("Leaving blacklisted guild")
	if err := s.GuildLeave(guildID); err != nil {
		b.log.Error().Err(err).Str("guild_id", guildID).Msg("Failed to leave guild")
	}
}

func (b *Bot) isGuildBlacklisted(guildID string) bool {
	return slices.Contains(b.cfg.DiscordGuildBlacklist, guildID)
}

// AddHandler registers a discordgo event handler and returns its remover.
func (b *Bot) AddHandler(handler any) func() {
	return b.dg.AddHandler(handler)
}

// Guilds lists the cached guilds that are not blacklisted.
func (b *Bot) Guilds() []string {
	b.dg.State.RLock()
	defer b.dg.State.RUnlock()

	out := make([]string, 0, len(b.dg.State.Guilds))
	for _, g := range b.dg.State.Guilds {
		if g.Unavailable || b.isGuildBlacklisted(g.ID) {
			continue
		}
		out = append(out, g.ID)
	}
	return out
}

// VoiceMembers lists the non-bot members connected to a voice channel.
func (b *Bot) VoiceMembers(guildID, channelID string) ([]adhoc.Member, error) {
	g, err := b.dg.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, err)
	}

	b.dg.State.RLock()
	states := make([]discordgo.VoiceState, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			states = append(states, *vs)
		}
	}
	b.dg.State.RUnlock()

	out := make([]adhoc.Member, 0, len(states))
	for _, vs := range states {
		m := vs.Member
		if m == nil {
			m = b.member(guildID, vs.UserID)
		}
		if m != nil && m.User != nil && m.User.Bot {
			continue
		}
		out = append(out, adhoc.MemberFromDiscord(vs.UserID, m))
	}
	return out, nil
}

// member reads a guild member from the state cache, falling back to REST.
func (b *Bot) member(guildID, userID string) *discordgo.Member {
	if m, err := b.dg.State.Member(guildID, userID); err == nil {
		return m
	}

	ctx, cancel := context.WithTimeout(context.Background(), memberLookupTimeout)
	defer cancel()

	var m *discordgo.Member
	err := retrylimit.WithRetry(ctx, func() error {
		var err error
		m, err = b.dg.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		return err
	}, b.limiter, b.retry)
	if err != nil {
		b.log.Debug().Err(err).Str("guild_id", guildID).Str("user_id", userID).Msg("member lookup failed")
		return nil
	}
	return m
}

// Presence returns the cached presence of a member.
func (b *Bot) Presence(guildID, userID string) (*discordgo.Presence, error) {
	return b.dg.State.Presence(guildID, userID)
}

// ChannelName returns the cached channel name, or "" when unknown.
func (b *Bot) ChannelName(_, channelID string) string {
	ch, err := b.dg.State.Channel(channelID)
	if err != nil {
		return ""
	}
	return ch.Name
}

func restStatus(err error) (int, bool) {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode, true
	}
	return 0, false
}
