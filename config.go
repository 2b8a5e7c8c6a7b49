package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from CHAT_* environment
// variables (optionally via a .env file). There are no command-line
// flags.
type Config struct {
	DBFile        string        `envconfig:"DB_FILE" default:"chat.db"`
	Addr          string        `envconfig:"ADDR" default:":9000"`
	HTTPAddr      string        `envconfig:"HTTP_ADDR"` // empty disables the admin API
	MaxUsers      int           `envconfig:"MAX_USERS" default:"100"`
	RoomCapacity  int           `envconfig:"ROOM_CAPACITY" default:"100"`
	StatsInterval time.Duration `envconfig:"STATS_INTERVAL" default:"1m"`
	Debug         bool          `envconfig:"DEBUG"`
}

// LoadConfig reads the environment. A missing .env file is not an error.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("chat", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate range-checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.DBFile == "":
		return fmt.Errorf("CHAT_DB_FILE must not be empty")
	case c.Addr == "":
		return fmt.Errorf("CHAT_ADDR must not be empty")
	case c.MaxUsers < 1:
		return fmt.Errorf("CHAT_MAX_USERS must be at least 1, got %d", c.MaxUsers)
	case c.RoomCapacity < 1:
		return fmt.Errorf("CHAT_ROOM_CAPACITY must be at least 1, got %d", c.RoomCapacity)
	case c.StatsInterval < time.Second:
		return fmt.Errorf("CHAT_STATS_INTERVAL must be at least 1s, got %s", c.StatsInterval)
	}
	return nil
}
