package adhoc

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

type errCatalog struct{}

func (errCatalog) MatchActivity(context.Context, ActivityRef) (Game, bool, error) {
	return Game{}, false, errors.New("db locked")
}

func activity(name string, kind discordgo.ActivityType) *discordgo.Activity {
	return &discordgo.Activity{Name: name, Type: kind}
}

func TestGameResolver_DetectGame(t *testing.T) {
	r := NewGameResolver(nil, testCatalog, zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name       string
		activities []*discordgo.Activity
		want       Game
	}{
		{"no activities", nil, UntitledGame},
		{"custom status only", []*discordgo.Activity{activity("brb", discordgo.ActivityTypeCustom)}, UntitledGame},
		{"listening only", []*discordgo.Activity{activity("Spotify", discordgo.ActivityTypeListening)}, UntitledGame},
		{"known game", []*discordgo.Activity{activity("Dota 2", discordgo.ActivityTypeGame)}, dota},
		{
			"game beats streaming",
			[]*discordgo.Activity{
				activity("Counter-Strike 2", discordgo.ActivityTypeStreaming),
				activity("Dota 2", discordgo.ActivityTypeGame),
			},
			dota,
		},
		{"competing", []*discordgo.Activity{activity("Counter-Strike 2", discordgo.ActivityTypeCompeting)}, Game{ID: 9, Name: "Counter-Strike 2"}},
		{"unknown game keeps its name", []*discordgo.Activity{activity("Tetris", discordgo.ActivityTypeGame)}, Game{ID: NoGame, Name: "Tetris"}},
		{"blank name skipped", []*discordgo.Activity{activity("  ", discordgo.ActivityTypeGame), nil}, UntitledGame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.DetectGame(ctx, &discordgo.Presence{Activities: tc.activities})
			if got != tc.want {
				t.Fatalf("DetectGame = %+v, want %+v", got, tc.want)
			}
		})
	}
	if got := r.DetectGame(ctx, nil); got != UntitledGame {
		t.Fatalf("nil presence = %+v", got)
	}
}

func TestGameResolver_CatalogErrorFallsBackToActivityName(t *testing.T) {
	r := NewGameResolver(nil, errCatalog{}, zerolog.Nop())
	p := &discordgo.Presence{Activities: []*discordgo.Activity{activity("Dota 2", discordgo.ActivityTypeGame)}}
	if got := r.DetectGame(context.Background(), p); got != (Game{ID: NoGame, Name: "Dota 2"}) {
		t.Fatalf("DetectGame = %+v", got)
	}
}

func TestGameResolver_DetectGameForMember(t *testing.T) {
	gw := newFakeGateway("g1")
	gw.presences["u1"] = presenceOf("u1", "Dota 2")
	r := NewGameResolver(gw, testCatalog, zerolog.Nop())
	ctx := context.Background()

	if got := r.DetectGameForMember(ctx, "g1", "u1"); got != dota {
		t.Fatalf("u1 = %+v", got)
	}
	if got := r.DetectGameForMember(ctx, "g1", "nobody"); got != UntitledGame {
		t.Fatalf("missing presence = %+v", got)
	}
}

func TestSignalKind_String(t *testing.T) {
	if SignalMemberRemoved.String() != "member_removed" || SignalKind(0).String() != "unknown" {
		t.Fatalf("unexpected names")
	}
}
