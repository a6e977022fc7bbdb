// cmd/cli/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
	"github.com/keshon/adhoc-lobby/internal/config"
	"github.com/keshon/adhoc-lobby/internal/games"
	"github.com/keshon/adhoc-lobby/internal/logging"
	"github.com/keshon/adhoc-lobby/internal/sqlstore"
	"github.com/keshon/adhoc-lobby/internal/storage"
	"github.com/keshon/adhoc-lobby/pkg/cmd"
)

const timeLayout = "2006-01-02 15:04"

type app struct {
	cfg *config.Storage
	log zerolog.Logger

	bindings *storage.Storage
	db       *sqlstore.DB
}

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), true)

	cfg, err := config.NewStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	a := &app{cfg: cfg, log: log}
	defer a.close()

	reg := cmd.NewRegistry()
	for _, c := range a.commands() {
		reg.Register(cmd.Apply(c, withTiming(log)))
	}

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(os.Stderr, "Usage: cli <command> [flags]")
		fmt.Fprintln(os.Stderr)
		reg.Usage(os.Stderr)
		return
	}

	ctx := context.Background()
	if err := reg.Dispatch(ctx, args, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		a.close()
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func withTiming(log zerolog.Logger) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			start := time.Now()
			err := c.Run(ctx, inv)
			log.Debug().Str("command", c.Name()).Dur("elapsed", time.Since(start)).Err(err).Msg("command finished")
			return err
		})
	}
}

func (a *app) storage() (*storage.Storage, error) {
	if a.bindings == nil {
		s, err := storage.New(a.cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open datastore: %w", err)
		}
		a.bindings = s
	}
	return a.bindings, nil
}

func (a *app) database() (*sqlstore.DB, error) {
	if a.db == nil {
		db, err := sqlstore.Open(a.cfg.DatabasePath, sqlstore.Options{Logger: a.log})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
	}
	return a.db, nil
}

func (a *app) close() {
	if a.bindings != nil {
		if err := a.bindings.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close datastore")
		}
		a.bindings = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func (a *app) commands() []cmd.Command {
	return []cmd.Command{
		&cmd.Func{
			Use:      "bindings list",
			Short:    "list channel bindings of a guild",
			NewFlags: guildFlags("bindings list"),
			RunFunc:  a.bindingsList,
		},
		&cmd.Func{
			Use:   "bindings set",
			Short: "bind a voice channel to a purpose",
			NewFlags: func() *pflag.FlagSet {
				fs := guildFlags("bindings set")()
				fs.String("channel", "", "voice channel id")
				fs.String("purpose", string(adhoc.PurposeGeneralLobby), "game-voice-monitor or general-lobby")
				fs.String("game", "", "game name (game-voice-monitor)")
				fs.Int64("game-id", 0, "game id (game-voice-monitor)")
				fs.Int("min-players", 1, "members needed before an event opens")
				return fs
			},
			RunFunc: a.bindingsSet,
		},
		&cmd.Func{
			Use:   "bindings remove",
			Short: "remove the binding of a voice channel",
			NewFlags: func() *pflag.FlagSet {
				fs := guildFlags("bindings remove")()
				fs.String("channel", "", "voice channel id")
				return fs
			},
			RunFunc: a.bindingsRemove,
		},
		&cmd.Func{
			Use:      "bindings history",
			Short:    "show recent binding changes of a guild",
			NewFlags: guildFlags("bindings history"),
			RunFunc:  a.bindingsHistory,
		},
		&cmd.Func{
			Use:   "games seed",
			Short: "load the game catalog into the database",
			NewFlags: func() *pflag.FlagSet {
				fs := pflag.NewFlagSet("games seed", pflag.ContinueOnError)
				fs.String("catalog", "", "YAML catalog (default: GAME_CATALOG_PATH or the built-in one)")
				return fs
			},
			RunFunc: a.gamesSeed,
		},
		&cmd.Func{
			Use:     "games list",
			Short:   "list known games",
			RunFunc: a.gamesList,
		},
		&cmd.Func{
			Use:   "events list",
			Short: "list ad-hoc events",
			NewFlags: func() *pflag.FlagSet {
				fs := pflag.NewFlagSet("events list", pflag.ContinueOnError)
				fs.Bool("active", false, "only active events")
				fs.Int("limit", 20, "maximum number of events (0 = all)")
				return fs
			},
			RunFunc: a.eventsList,
		},
	}
}

func guildFlags(name string) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		fs.String("guild", "", "guild id")
		return fs
	}
}

func requireString(fs *pflag.FlagSet, name string) (string, error) {
	v, err := fs.GetString(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func (a *app) bindingsList(ctx context.Context, inv *cmd.Invocation) error {
	guildID, err := requireString(inv.Flags, "guild")
	if err != nil {
		return err
	}
	s, err := a.storage()
	if err != nil {
		return err
	}
	list, err := s.GetBindings(ctx, guildID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(inv.Out, "No bindings.")
		return nil
	}

	tw := table(inv.Out, "ID", "CHANNEL", "PURPOSE", "GAME", "MIN PLAYERS")
	for _, b := range list {
		game := ""
		if b.GameID != adhoc.NoGame {
			game = fmt.Sprintf("%s (#%d)", b.GameName, b.GameID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", b.ID, b.ChannelID, b.Purpose, game, b.MinPlayers())
	}
	return tw.Flush()
}

func (a *app) bindingsSet(ctx context.Context, inv *cmd.Invocation) error {
	fs := inv.Flags
	guildID, err := requireString(fs, "guild")
	if err != nil {
		return err
	}
	channelID, err := requireString(fs, "channel")
	if err != nil {
		return err
	}
	purpose, _ := fs.GetString("purpose")
	minPlayers, _ := fs.GetInt("min-players")

	b := adhoc.ChannelBinding{
		ChannelID: channelID,
		Purpose:   adhoc.Purpose(purpose),
		Config:    adhoc.BindingConfig{MinPlayers: minPlayers},
	}

	if b.Purpose == adhoc.PurposeGameVoiceMonitor {
		game, err := a.lookupGame(ctx, fs)
		if err != nil {
			return err
		}
		b.GameID, b.GameName = game.ID, game.Name
	}

	s, err := a.storage()
	if err != nil {
		return err
	}
	saved, err := s.SetBinding(guildID, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.Out, "Bound channel %s as %s (binding %s)\n", saved.ChannelID, saved.Purpose, saved.ID)
	return nil
}

func (a *app) lookupGame(ctx context.Context, fs *pflag.FlagSet) (adhoc.Game, error) {
	db, err := a.database()
	if err != nil {
		return adhoc.Game{}, err
	}

	if id, _ := fs.GetInt64("game-id"); id > 0 {
		g, ok, err := db.Game(ctx, adhoc.GameID(id))
		if err != nil {
			return adhoc.Game{}, err
		}
		if !ok {
			return adhoc.Game{}, fmt.Errorf("no game with id %d", id)
		}
		return g, nil
	}

	name, _ := fs.GetString("game")
	if strings.TrimSpace(name) == "" {
		return adhoc.Game{}, fmt.Errorf("--game or --game-id is required for %s", adhoc.PurposeGameVoiceMonitor)
	}
	g, ok, err := db.MatchActivity(ctx, adhoc.ActivityRef{Name: name})
	if err != nil {
		return adhoc.Game{}, err
	}
	if !ok {
		return adhoc.Game{}, fmt.Errorf("unknown game %q, run 'games seed' or use a catalog name", name)
	}
	return g, nil
}

func (a *app) bindingsRemove(_ context.Context, inv *cmd.Invocation) error {
	guildID, err := requireString(inv.Flags, "guild")
	if err != nil {
		return err
	}
	channelID, err := requireString(inv.Flags, "channel")
	if err != nil {
		return err
	}
	s, err := a.storage()
	if err != nil {
		return err
	}
	if err := s.RemoveBinding(guildID, channelID); err != nil {
		return err
	}
	fmt.Fprintf(inv.Out, "Removed binding of channel %s\n", channelID)
	return nil
}

func (a *app) bindingsHistory(_ context.Context, inv *cmd.Invocation) error {
	guildID, err := requireString(inv.Flags, "guild")
	if err != nil {
		return err
	}
	s, err := a.storage()
	if err != nil {
		return err
	}
	history, err := s.FetchHistory(guildID)
	if err != nil {
		return err
	}

	tw := table(inv.Out, "WHEN", "ACTION", "CHANNEL", "PURPOSE", "BINDING")
	for _, h := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Datetime.Local().Format(timeLayout), h.Action, h.ChannelID, h.Purpose, h.BindingID)
	}
	return tw.Flush()
}

func (a *app) gamesSeed(ctx context.Context, inv *cmd.Invocation) error {
	path, _ := inv.Flags.GetString("catalog")
	if path == "" {
		path = a.cfg.GameCatalogPath
	}
	entries, err := games.Load(path)
	if err != nil {
		return err
	}
	db, err := a.database()
	if err != nil {
		return err
	}
	n, err := db.SeedGames(ctx, entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.Out, "Seeded %d catalog entries, %d new games\n", len(entries), n)
	return nil
}

func (a *app) gamesList(ctx context.Context, inv *cmd.Invocation) error {
	db, err := a.database()
	if err != nil {
		return err
	}
	list, err := db.ListGames(ctx)
	if err != nil {
		return err
	}

	tw := table(inv.Out, "ID", "NAME", "SOURCE", "KEYS")
	for _, g := range list {
		source := "activity"
		if g.Seeded {
			source = "catalog"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", g.ID, g.Name, source, strings.Join(g.Keys, ", "))
	}
	return tw.Flush()
}

func (a *app) eventsList(ctx context.Context, inv *cmd.Invocation) error {
	activeOnly, _ := inv.Flags.GetBool("active")
	limit, _ := inv.Flags.GetInt("limit")

	db, err := a.database()
	if err != nil {
		return err
	}
	list, err := db.ListEvents(ctx, activeOnly, limit)
	if err != nil {
		return err
	}

	tw := table(inv.Out, "ID", "STATUS", "GAME", "CHANNEL", "STARTED", "ENDED", "MEMBERS")
	for _, e := range list {
		ended := "-"
		if !e.FinalizedAt.IsZero() {
			ended = e.FinalizedAt.Local().Format(timeLayout)
		}
		channel := e.ChannelName
		if channel == "" {
			channel = e.ChannelID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.ID, e.Status, e.GameName, channel, e.CreatedAt.Local().Format(timeLayout), ended, len(e.Members))
	}
	return tw.Flush()
}

func table(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}
