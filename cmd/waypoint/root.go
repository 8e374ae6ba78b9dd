package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/waypoint/pkg/waypoint/config"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "waypoint",
	Short: "Durable workflow sessions for the itinerary pipeline",
	Long: `waypoint tracks itinerary-generation sessions through their four stages,
checkpointing each stage, recovering failed runs, and streaming progress to
clients.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// settingKeys are the keys that can be set from the environment as
// WAYPOINT_<SECTION>_<KEY>.
var settingKeys = []string{
	"server.addr", "server.shutdown_timeout",
	"store.backend", "store.path", "store.prefix", "store.session_ttl", "store.checkpoint_ttl", "store.max_events",
	"dispatch.mode", "dispatch.endpoint", "dispatch.callback_url", "dispatch.max_retries", "dispatch.delay",
	"dispatch.workers", "dispatch.timeout",
	"stream.heartbeat_interval", "stream.poll_interval", "stream.tail_size", "stream.close_grace", "stream.buffer_size",
	"session.max_execution_time", "session.max_cost", "session.max_retries", "session.enable_streaming",
	"session.auto_recover",
	"sweeper.interval", "sweeper.cleanup_after", "sweeper.cleanup_enabled",
	"log.level", "log.format",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, YAML or JSON (default is the first of ./waypoint.yaml, ./waypoint.yml, ./waypoint.json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("store", "", "store backend (memory, sqlite, file)")
	rootCmd.PersistentFlags().String("store-path", "", "sqlite database file or file-store directory")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store-path"))
}

func initConfig() {
	bindEnv()
	if err := mergeConfigFile(afero.NewOsFs(), cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "waypoint: %v\n", err)
		os.Exit(1)
	}
}

func bindEnv() {
	viper.SetEnvPrefix("WAYPOINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range settingKeys {
		_ = viper.BindEnv(key)
	}
}

// mergeConfigFile loads the config file as viper's config layer, so
// environment variables and flags set on the command line still win.
func mergeConfigFile(fs afero.Fs, path string) error {
	base, used, err := config.Load(fs, path)
	if err != nil {
		return err
	}
	if used == "" {
		return nil
	}
	if err := viper.MergeConfigMap(base.Raw()); err != nil {
		return fmt.Errorf("merge config %s: %w", used, err)
	}
	return nil
}

// loadSettings resolves settings from the config file, environment, and
// flags, dropping empty flag values so defaults still apply.
func loadSettings() (config.Settings, error) {
	all := viper.AllSettings()
	pruneEmpty(all)
	s := config.FromConfig(config.New(all))
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func pruneEmpty(m map[string]any) {
	for k, v := range m {
		switch vv := v.(type) {
		case string:
			if vv == "" {
				delete(m, k)
			}
		case map[string]any:
			pruneEmpty(vv)
		}
	}
}

func newLogger(s config.Settings) (*slog.Logger, error) {
	return observability.NewLogger(os.Stderr, s.Log.Level, s.Log.Format)
}
