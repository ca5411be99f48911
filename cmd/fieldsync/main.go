package main

import (
	"errors"
	"os"

	"github.com/sigerd/fieldsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first field records with hub synchronization",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newHubCommand(),
		newSyncCommand(),
		newStatusCommand(),
		newNextIDCommand(),
		newDonateCommand(),
		newDistributeCommand(),
		newTransferCommand(),
		newReconcileCommand(),
		newHistoryCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Device SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("device-id", "", "Identifier of this device")
	cmd.PersistentFlags().String("remote-url", "", "Hub base URL; empty keeps the device offline")
	cmd.PersistentFlags().String("remote-token", "", "Device token issued by the hub")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between background sync cycles")
	cmd.PersistentFlags().Int("humanid-width", defaults.GetInt("humanid.width"), "Zero padded width of human ids")
	cmd.PersistentFlags().String("hub-address", defaults.GetString("hub.address"), "Hub HTTP listen address")
	cmd.PersistentFlags().String("hub-database-path", defaults.GetString("hub.database_path"), "Hub SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("hub.token_ttl"), "Lifetime of issued device tokens")
	cmd.PersistentFlags().String("signing-secret", "", "Hub signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "humanid.width", "humanid-width")
	bindFlag(cmd, "hub.address", "hub-address")
	bindFlag(cmd, "hub.database_path", "hub-database-path")
	bindFlag(cmd, "hub.token_ttl", "token-ttl")
	bindFlag(cmd, "hub.signing_secret", "signing-secret")
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
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
