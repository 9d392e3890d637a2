// Command usenetsync is the CLI façade over internal/engine: it parses
// flags, opens the store and NNTP pool once per invocation, and maps
// the engine's typed errors onto the process exit codes. It
// contains no original design of its own; everything it calls into
// already exists in internal/.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/config"
	"github.com/usenetsync/usenetsync/internal/engine"
	"github.com/usenetsync/usenetsync/internal/nntp"
	"github.com/usenetsync/usenetsync/internal/store"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

var (
	cfgPath string
	cfg     *config.Config
	log     = logrus.NewEntry(logrus.StandardLogger())
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(usenetsyncerr.Of(err).ExitCode())
	}
}

var rootCmd = &cobra.Command{
	Use:   "usenetsync",
	Short: "Content-addressed, access-controlled storage over an NNTP network",
	Long: `usenetsync indexes a local folder, splits its files into encrypted
segments, posts them to a Usenet newsgroup under obfuscated subjects,
and publishes a compact share token that lets a receiver reconstruct
the folder exactly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file (defaults baked in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(queueCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(lvl)
	}
}

// openEngine loads configuration, opens the store, dials an NNTP
// connection pool, and returns a ready Engine plus a closer the caller
// must invoke before exiting.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, usenetsyncerr.New(usenetsyncerr.Usage, "cmd.openEngine", err)
	}
	cfg = loaded

	driver := cfg.Store.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	st, err := store.Open(ctx, driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}

	pool := nntp.NewPool(nntp.Options{
		Host:            cfg.NNTP.Host,
		Port:            cfg.NNTP.Port,
		TLS:             cfg.NNTP.TLS,
		Username:        cfg.NNTP.Username,
		Password:        cfg.NNTP.Password,
		MaxConnections:  cfg.NNTP.MaxConnections,
		IdleTimeout:     cfg.NNTP.IdleTimeout,
		MinRateBytesSec: cfg.Engine.MinRateBytesSec,
	}, log)
	transport := nntp.NewTransport(pool)

	eng := engine.New(st, transport, cfg, log)
	closer := func() {
		pool.CloseAll()
		_ = st.Close()
	}
	return eng, closer, nil
}
