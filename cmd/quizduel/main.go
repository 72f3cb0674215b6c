// cmd/quizduel/main.go
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/quizduel/internal/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const releaseVersion = "0.1.0"

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quizduel",
		Short:         "Head-to-head quiz duel server.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	fs := root.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.IntP("port", "p", 8080, "port to listen on (env: PORT)")
	fs.String("store", "redis", "room backend, redis or memory (env: STORE)")
	fs.String("log-level", "debug", "logrus level (env: LOG_LEVEL)")
	fs.String("redis-addr", "localhost:6379", "redis address (env: REDIS_ADDR)")
	fs.String("quiz-file", "", "JSON quizzes to load into the catalog at startup (env: QUIZ_FILE)")
	fs.Duration("search-grace", 3500*time.Millisecond, "delay before a random search starts scanning (env: SEARCH_GRACE)")
	fs.Duration("search-timeout", 15*time.Second, "how long a random search runs (env: SEARCH_TIMEOUT)")
	fs.Duration("room-max-age", 2*time.Hour, "age after which idle rooms are swept (env: ROOM_MAX_AGE)")
	fs.Duration("sweep-interval", time.Minute, "pause between room sweeps (env: SWEEP_INTERVAL)")

	root.AddCommand(newServeCmd(), newHistorianCmd(), newSweepCmd())
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetVersionTemplate("quizduel v{{.Version}}\n")
	return root
}

// loadConfig resolves the configuration for cmd and builds its logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cmd.Root().PersistentFlags())
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	return cfg, logger, nil
}
