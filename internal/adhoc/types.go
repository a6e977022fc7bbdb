// Package adhoc turns voice presence into ad-hoc events.
//
// A Listener watches voice-state and presence updates from the gateway,
// settles bursts per user, resolves which binding owns the channel and
// what game is being played, and drives the Store. The Store owns one
// ActiveState per (binding, game) pair and opens or finalizes the
// external event when the member set crosses its threshold.
package adhoc

import "strings"

// Purpose tells the engine how to treat a bound voice channel.
type Purpose string

const (
	PurposeGameVoiceMonitor Purpose = "game-voice-monitor"
	PurposeGeneralLobby     Purpose = "general-lobby"
)

// Known reports whether the engine acts on channels with this purpose.
// Anything else is treated as if the channel were not bound at all.
func (p Purpose) Known() bool {
	switch p {
	case PurposeGameVoiceMonitor, PurposeGeneralLobby:
		return true
	}
	return false
}

// GameID identifies a game in the catalog. NoGame stands for "no detected game".
type GameID int64

const NoGame GameID = 0

const untitledGameName = "Untitled Gaming Session"

// Game is a resolved (id, name) pair. Name is never empty.
type Game struct {
	ID   GameID
	Name string
}

// UntitledGame is what a member with no usable presence is playing.
var UntitledGame = Game{ID: NoGame, Name: untitledGameName}

// BindingConfig is the per-binding tuning blob.
type BindingConfig struct {
	MinPlayers int `json:"min_players"`
}

// ChannelBinding links a voice channel to a monitoring purpose.
type ChannelBinding struct {
	ID        string        `json:"id"`
	GuildID   string        `json:"guild_id"`
	ChannelID string        `json:"channel_id"`
	Purpose   Purpose       `json:"purpose"`
	GameID    GameID        `json:"game_id,omitempty"`
	GameName  string        `json:"game_name,omitempty"`
	Config    BindingConfig `json:"config"`
}

// MinPlayers returns the creation threshold, never less than one.
func (b ChannelBinding) MinPlayers() int {
	if b.Config.MinPlayers < 1 {
		return 1
	}
	return b.Config.MinPlayers
}

// Usable reports whether the engine should act on this binding.
func (b ChannelBinding) Usable() bool {
	if !b.Purpose.Known() {
		return false
	}
	if b.Purpose == PurposeGameVoiceMonitor && b.GameID == NoGame {
		return false
	}
	return true
}

// FixedGame returns the game of a game-voice-monitor binding.
func (b ChannelBinding) FixedGame() Game {
	name := strings.TrimSpace(b.GameName)
	if name == "" {
		name = untitledGameName
	}
	return Game{ID: b.GameID, Name: name}
}

// Member is a guild member as the engine sees it.
type Member struct {
	UserID      string
	DisplayName string
}

// Channel identifies a voice channel.
type Channel struct {
	GuildID string
	ID      string
	Name    string
}
