// Command tokendb builds and maintains the offline token catalog database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/allcryptotokens/tokendb/internal/config"
	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version is set at build time.
var Version = "dev"

const (
	exitFailure     = 1
	exitInterrupted = 130
)

var (
	v       = config.New()
	cfg     *config.Config
	logger  *logging.Logger
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "tokendb",
	Short: "Build and maintain the offline token catalog",
	Long: `tokendb builds a SQLite catalog of crypto tokens (identifier, symbol,
name, description, image) from the Crypto.com instrument list and the
CoinGecko API, within the public rate limits, and keeps it up to date with
resumable enrichment runs and description patches.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor)

		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tokendb version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tokendb %s\n", Version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./tokendb.yaml)")
	flags.String("db", "", "catalog database path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "also write JSON logs to this file")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	mustBind("store.path", flags.Lookup("db"))
	mustBind("log.level", flags.Lookup("log-level"))
	mustBind("log.file", flags.Lookup("log-file"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "catalog", Title: "Catalog:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
	rootCmd.AddCommand(versionCmd)
}

func mustBind(key string, fl *pflag.Flag) {
	if err := v.BindPFlag(key, fl); err != nil {
		panic(err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return exitFailure
}
