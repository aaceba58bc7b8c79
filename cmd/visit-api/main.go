package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	logConsole bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "visit-api",
		Short:        "Makerspace visit logging and registration service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newReconcileCommand(), newLedgerCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the visit and registration endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.BoolVar(&logConsole, "log-console", false, "Use the human-readable log encoder")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("directory-mode", defaults.GetString("directory.mode"), "Directory mode (legacy-only, dual-write, new-only)")
	flags.String("domain-name", "", "Public site origin used in registration links (overrides env)")
	flags.String("signing-secret", "", "Invite signing secret (overrides env)")
	flags.String("mail-transport", defaults.GetString("mail.transport"), "Mail transport (log, kafka)")
	flags.String("reconcile-queue", defaults.GetString("reconcile.queue"), "Pending mirror queue (database, redis)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "directory.mode", "directory-mode")
	bindFlag(cmd, "site.domain_name", "domain-name")
	bindFlag(cmd, "invite.signing_secret", "signing-secret")
	bindFlag(cmd, "mail.transport", "mail-transport")
	bindFlag(cmd, "reconcile.queue", "reconcile-queue")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// loadDotenv exports the first .env found next to or above the working directory.
// Variables already set in the environment win.
func loadDotenv() {
	for _, path := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func initConfig() error {
	loadDotenv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
