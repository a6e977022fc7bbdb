// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/keshon/adhoc-lobby/internal/adhoc"
	"github.com/keshon/adhoc-lobby/internal/config"
	"github.com/keshon/adhoc-lobby/internal/discord"
	"github.com/keshon/adhoc-lobby/internal/games"
	"github.com/keshon/adhoc-lobby/internal/logging"
	"github.com/keshon/adhoc-lobby/internal/sqlstore"
	"github.com/keshon/adhoc-lobby/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		logging.New("info", true).Fatal().Err(err).Msg("Failed to load config")
	}
	log := logging.NewWithFile(cfg.LogLevel, cfg.LogPretty, cfg.LogFile)
	log.Info().Msg("Starting ad-hoc lobby bot...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindings, err := storage.New(cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StoragePath).Msg("Failed to open datastore")
	}
	defer bindings.Close()

	db, err := sqlstore.Open(cfg.DatabasePath, sqlstore.Options{
		AutoRegisterGames: cfg.AutoRegisterGames,
		Logger:            log,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open database")
	}
	defer db.Close()

	seedCatalog(ctx, cfg, db, log)

	if n, err := db.FinalizeStale(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to finalize stale events")
	} else if n > 0 {
		log.Info().Int64("events", n).Msg("Finalized events left open by a previous run")
	}

	bot, err := discord.NewBot(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Discord bot")
	}

	clk := clock.New()
	store := adhoc.NewStore(adhoc.StoreOptions{
		Events:       db,
		Clock:        clk,
		SignalBuffer: cfg.SignalBuffer,
		Logger:       log,
	})
	listener := adhoc.NewListener(adhoc.ListenerOptions{
		Gateway:  bot,
		Bindings: adhoc.NewBindingResolver(bindings),
		Games:    adhoc.NewGameResolver(bot, db, log),
		Store:    store,
		Clock:    clk,
		Debounce: cfg.VoiceDebounce,
		Logger:   log,
	})

	go consumeSignals(ctx, store.Signals(), db, log)

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Voice listener stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := bot.Run(ctx, listener); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Received signal, shutting down...")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Discord bot error")
		}
		cancel()
	case <-ctx.Done():
	}

	<-listenerDone

	for _, st := range store.ActiveStates() {
		log.Info().
			Str("binding_id", st.BindingID).
			Str("event_id", st.EventID).
			Str("game", st.GameName).
			Strs("members", st.MemberIDs()).
			Msg("Finalizing open ad-hoc event")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := store.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to finalize active events")
	}

	log.Info().Msg("Discord bot exited cleanly")
}

func seedCatalog(ctx context.Context, cfg *config.Config, db *sqlstore.DB, log zerolog.Logger) {
	entries, err := games.Load(cfg.GameCatalogPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load game catalog")
		return
	}
	n, err := db.SeedGames(ctx, entries)
	if err != nil {
		log.Error().Err(err).Msg("Failed to seed game catalog")
		return
	}
	log.Info().Int("entries", len(entries)).Int("inserted", n).Msg("Game catalog seeded")
}

// consumeSignals logs lifecycle signals and records late joiners on the
// persisted event.
func consumeSignals(ctx context.Context, signals <-chan adhoc.Signal, db *sqlstore.DB, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			log.Info().
				Str("signal", sig.Kind.String()).
				Str("binding_id", sig.BindingID).
				Str("event_id", sig.EventID).
				Str("game", sig.GameName).
				Str("user_id", sig.MemberID).
				Msg("Ad-hoc event signal")

			if sig.Kind == adhoc.SignalMemberAdded && sig.EventID != "" {
				if err := db.AddEventMember(ctx, sig.EventID, sig.MemberID); err != nil {
					log.Warn().Err(err).Msg("Failed to record event member")
				}
			}
		}
	}
}
