package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asmogo/nostrmux/api"
	"github.com/asmogo/nostrmux/config"
)

const (
	usageListen   = "set the bind address of the HTTP/websocket surface"
	usageDatabase = "set the path of the relay/config database"
)

func main() {
	rootCmd := &cobra.Command{Use: "nostrmux", Run: startMux}
	var listenAddress string
	var databasePath string
	rootCmd.Flags().StringVarP(&listenAddress, "listen", "l", "", usageListen)
	rootCmd.Flags().StringVarP(&databasePath, "database", "d", "", usageDatabase)
	err := rootCmd.Execute()
	if err != nil {
		panic(err)
	}
}

// updateConfigFlag updates the configuration with the provided flags.
func updateConfigFlag(cmd *cobra.Command, cfg *config.MuxConfig) error {
	listenAddress, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}
	databasePath, err := cmd.Flags().GetString("database")
	if err != nil {
		return err
	}
	if listenAddress != "" {
		cfg.ListenAddress = listenAddress
	}
	if databasePath != "" {
		cfg.DatabasePath = databasePath
	}
	return nil
}

func startMux(cmd *cobra.Command, _ []string) {
	slog.Info("Starting relay multiplexer")
	cfg, err := config.LoadConfig[config.MuxConfig]()
	if err != nil {
		panic(err)
	}
	if err := updateConfigFlag(cmd, cfg); err != nil {
		panic(err)
	}
	if cfg.AdminKey == "" {
		slog.Warn("no admin key configured, admin API is disabled")
	}
	server, err := api.NewServer(cfg)
	if err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.ListenAndServe(ctx); err != nil {
		panic(err)
	}
}
