package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inspectworks/fieldsync/internal/config"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first mutation and sync daemon for field inspections",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(runCmd, queueCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Status API listen address")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.url"), "Remote persistence base URL")
	cmd.PersistentFlags().String("remote-token", "", "Bearer token for the remote backend (overrides env)")
	cmd.PersistentFlags().String("actor", defaults.GetString("actor.id"), "Actor ID stamped on mutations")
	cmd.PersistentFlags().String("profile", defaults.GetString("storage.profile"), "Storage profile (memory, durable-local, bolt, production)")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("storage.data_dir"), "Local data directory")
	cmd.PersistentFlags().String("queue-dsn", defaults.GetString("storage.queue_dsn"), "Queue store DSN (overrides profile)")
	cmd.PersistentFlags().String("state-dsn", defaults.GetString("storage.state_dsn"), "State store DSN (overrides profile)")
	cmd.PersistentFlags().Int("queue-capacity", defaults.GetInt("queue.capacity"), "Queue capacity, 0 for unbounded")
	cmd.PersistentFlags().Duration("autosave-interval", defaults.GetDuration("autosave.interval"), "Auto-save tick interval")
	cmd.PersistentFlags().Bool("no-agent", defaults.GetBool("agent.disabled"), "Disable the background sync agent")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Log file path; empty logs to stderr")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "actor.id", "actor")
	bindFlag(cmd, "storage.profile", "profile")
	bindFlag(cmd, "storage.data_dir", "data-dir")
	bindFlag(cmd, "storage.queue_dsn", "queue-dsn")
	bindFlag(cmd, "storage.state_dsn", "state-dsn")
	bindFlag(cmd, "queue.capacity", "queue-capacity")
	bindFlag(cmd, "autosave.interval", "autosave-interval")
	bindFlag(cmd, "agent.disabled", "no-agent")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing implicit config file is fine; an explicit one is not.
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}
