package adhoc

import "github.com/bwmarrin/discordgo"

// Gateway is what the Listener needs from the Discord connection.
//
// AddHandler follows discordgo.Session.AddHandler: it takes a
// func(*discordgo.Session, *discordgo.X) and returns a func that detaches it.
type Gateway interface {
	PresenceSource
	AddHandler(handler any) func()
	Guilds() []string
	VoiceMembers(guildID, channelID string) ([]Member, error)
	ChannelName(guildID, channelID string) string
}

// MemberFromDiscord converts a discordgo member, falling back to the bare
// user id when the gateway did not attach member data.
func MemberFromDiscord(userID string, m *discordgo.Member) Member {
	out := Member{UserID: userID}
	if m == nil {
		return out
	}
	switch {
	case m.Nick != "":
		out.DisplayName = m.Nick
	case m.User != nil && m.User.GlobalName != "":
		out.DisplayName = m.User.GlobalName
	case m.User != nil:
		out.DisplayName = m.User.Username
	}
	if out.UserID == "" && m.User != nil {
		out.UserID = m.User.ID
	}
	return out
}

func isBot(m *discordgo.Member) bool {
	return m != nil && m.User != nil && m.User.Bot
}
