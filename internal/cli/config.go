package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/qdb"
)

const envPrefix = "qdb"

// Config is the resolved configuration of one CLI invocation. Values come
// from flags, then QDB_* environment variables, then .env files.
type Config struct {
	DB               string
	LogLevel         slog.Level
	LogFormat        string
	Hex              bool
	MemoryLimitPages uint32
	RecycleBytes     int64
	KeyConcurrency   int
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("db", "qdb.db", "path to the database file")
	f.String("log-level", "warn", "log level (debug, info, warn, error)")
	f.String("log-format", "text", "log format (text, json)")
	f.Bool("hex", false, "read and print items as hex")
	f.Uint32("memory-limit-pages", 0, "linear memory cap per keying function instance, in 64 KiB pages")
	f.Int64("recycle-bytes", 0, "recreate a keying function instance once its memory exceeds this size (negative disables)")
	f.Int("key-concurrency", 0, "how many index keys to compute in parallel when adding an item")
}

// loadEnvFiles loads .env and .env.local when present; variables already
// set win.
func loadEnvFiles() error {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	c := &Config{
		DB:               v.GetString("db"),
		LogFormat:        v.GetString("log-format"),
		Hex:              v.GetBool("hex"),
		MemoryLimitPages: v.GetUint32("memory-limit-pages"),
		RecycleBytes:     v.GetInt64("recycle-bytes"),
		KeyConcurrency:   v.GetInt("key-concurrency"),
	}
	if c.DB == "" {
		return nil, fmt.Errorf("--db is required")
	}
	if err := c.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", c.LogFormat)
	}
	return c, nil
}

func (c *Config) logger(w io.Writer) *slog.Logger {
	hopt := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopt))
	}
	return slog.New(slog.NewTextHandler(w, hopt))
}

func (c *Config) options(logger *slog.Logger) qdb.Options {
	return qdb.Options{
		Logger:           logger,
		Verbose:          c.LogLevel <= slog.LevelDebug,
		MemoryLimitPages: c.MemoryLimitPages,
		RecycleBytes:     c.RecycleBytes,
		KeyConcurrency:   c.KeyConcurrency,
	}
}

func (c *Config) open(ctx context.Context, logger *slog.Logger) (*qdb.DB, error) {
	return qdb.Open(ctx, c.DB, c.options(logger))
}
