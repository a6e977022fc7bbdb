// /internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DiscordToken          string        `env:"DISCORD_TOKEN,required,notEmpty"`
	DiscordGuildBlacklist []string      `env:"DISCORD_GUILD_BLACKLIST" envSeparator:","`
	StoragePath           string        `env:"STORAGE_PATH" envDefault:"datastore.json"`
	DatabasePath          string        `env:"DATABASE_PATH" envDefault:"adhoc.db"`
	GameCatalogPath       string        `env:"GAME_CATALOG_PATH"`
	AutoRegisterGames     bool          `env:"AUTO_REGISTER_GAMES" envDefault:"true"`
	VoiceDebounce         time.Duration `env:"VOICE_DEBOUNCE" envDefault:"2s"`
	SignalBuffer          int           `env:"SIGNAL_BUFFER" envDefault:"64"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty             bool          `env:"LOG_PRETTY" envDefault:"true"`
	LogFile               string        `env:"LOG_FILE"`
}

// New loads .env when present and parses the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.VoiceDebounce <= 0 {
		return nil, fmt.Errorf("VOICE_DEBOUNCE must be positive, got %s", cfg.VoiceDebounce)
	}
	if cfg.SignalBuffer <= 0 {
		return nil, fmt.Errorf("SIGNAL_BUFFER must be positive, got %d", cfg.SignalBuffer)
	}
	return &cfg, nil
}

// Storage holds the settings the admin CLI needs. It does not require a
// bot token.
type Storage struct {
	StoragePath     string `env:"STORAGE_PATH" envDefault:"datastore.json"`
	DatabasePath    string `env:"DATABASE_PATH" envDefault:"adhoc.db"`
	GameCatalogPath string `env:"GAME_CATALOG_PATH"`
}

// NewStorage loads .env when present and parses the storage settings.
func NewStorage() (*Storage, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Storage
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
