package adhoc

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// PresenceSource returns the live presence of a guild member.
type PresenceSource interface {
	Presence(guildID, userID string) (*discordgo.Presence, error)
}

// ActivityRef is the part of a Discord activity used for catalog matching.
type ActivityRef struct {
	Name          string
	ApplicationID string
}

// Catalog maps activities to known games.
type Catalog interface {
	MatchActivity(ctx context.Context, ref ActivityRef) (Game, bool, error)
}

// activity types considered, in priority order
var gameActivityTypes = []discordgo.ActivityType{
	discordgo.ActivityTypeGame,
	discordgo.ActivityTypeCompeting,
	discordgo.ActivityTypeStreaming,
}

// GameResolver infers what a member is playing from their presence.
type GameResolver struct {
	presences PresenceSource
	catalog   Catalog
	log       zerolog.Logger
}

func NewGameResolver(presences PresenceSource, catalog Catalog, log zerolog.Logger) *GameResolver {
	return &GameResolver{
		presences: presences,
		catalog:   catalog,
		log:       log.With().Str("component", "games").Logger(),
	}
}

// DetectGameForMember looks up the member's presence and resolves it.
// A failed lookup is not an error: the member is playing UntitledGame.
func (r *GameResolver) DetectGameForMember(ctx context.Context, guildID, userID string) Game {
	if r.presences == nil {
		return UntitledGame
	}
	p, err := r.presences.Presence(guildID, userID)
	if err != nil {
		r.log.Debug().Err(err).Str("guild", guildID).Str("user", userID).Msg("presence unavailable")
		return UntitledGame
	}
	return r.DetectGame(ctx, p)
}

// DetectGame resolves a presence snapshot to a game. The result depends
// only on the snapshot and the catalog contents.
func (r *GameResolver) DetectGame(ctx context.Context, p *discordgo.Presence) Game {
	if p == nil || len(p.Activities) == 0 {
		return UntitledGame
	}

	for _, kind := range gameActivityTypes {
		for _, a := range p.Activities {
			if a == nil || a.Type != kind {
				continue
			}
			name := strings.TrimSpace(a.Name)
			if name == "" {
				continue
			}
			return r.match(ctx, ActivityRef{Name: name, ApplicationID: a.ApplicationID})
		}
	}
	return UntitledGame
}

func (r *GameResolver) match(ctx context.Context, ref ActivityRef) Game {
	if r.catalog == nil {
		return Game{ID: NoGame, Name: ref.Name}
	}
	g, ok, err := r.catalog.MatchActivity(ctx, ref)
	if err != nil {
		r.log.Warn().Err(err).Str("activity", ref.Name).Msg("game catalog lookup failed")
		return Game{ID: NoGame, Name: ref.Name}
	}
	if !ok {
		return Game{ID: NoGame, Name: ref.Name}
	}
	if strings.TrimSpace(g.Name) == "" {
		g.Name = ref.Name
	}
	return g
}
