package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"wa-bulk-sender/config"
	"wa-bulk-sender/session"
	"wa-bulk-sender/utils"
	"wa-bulk-sender/whatsapp"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wa-bulk",
		Short:        "Multi-tenant WhatsApp session manager and bulk sender",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(serveCmd(), pairCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// runtime is everything a command needs to drive sessions.
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	logFile  io.Closer
	metrics  *prometheus.Registry
	registry *session.Registry
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, logFile, err := utils.SetupLogging(cfg.LogConfig())
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	store, err := session.NewCredentialStore(cfg.AuthDir, log.With().Str("component", "credentials").Logger())
	if err != nil {
		logFile.Close()
		return nil, err
	}

	factory := whatsapp.NewFactory(log.With().Str("component", "whatsapp").Logger(), cfg.Session.DeviceName)
	registry := session.NewRegistry(sessionCfg, store, factory,
		session.WithLogger(log.With().Str("component", "session").Logger()),
		session.WithMetrics(utils.NewMetrics(promReg)),
		session.WithRegisterer(promReg),
	)

	return &runtime{
		cfg:      cfg,
		log:      log,
		logFile:  logFile,
		metrics:  promReg,
		registry: registry,
	}, nil
}
