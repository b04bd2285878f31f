// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cruunnerr/ha-vds2465-server/api/handlers"
	"github.com/cruunnerr/ha-vds2465-server/internal/device"
	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/liveness"
	"github.com/cruunnerr/ha-vds2465-server/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VdS 2465 alarm-transmission server",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return serveCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "", "Pathname of the configuration file")
}

func serveCmdLoadConfig(cmd *cobra.Command) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configFilePath == "" {
		return fmt.Errorf("the serve command requires --config")
	}

	slog.Debug("loading server configuration file", "path", configFilePath)
	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("configuration file read failed: %w", err)
	}

	return rootCmdLoadConfig()
}

func runServe() error {
	table, err := device.NewTable(cfg.Devices)
	if err != nil {
		return fmt.Errorf("building device table: %w", err)
	}

	sink := events.LoggingSink{}
	mon := liveness.NewMonitor(table, sink)

	hub := server.NewHub(table, sink, mon, cfg.Server.PollingInterval)

	monCtx, cancelMon := context.WithCancel(context.Background())
	defer cancelMon()
	go mon.Run(monCtx)

	if cfg.Server.HTTPBind != "" {
		mux := handlers.NewMux(hub)
		go func() {
			slog.Info("introspection API listening", "addr", cfg.Server.HTTPBind)
			if err := http.ListenAndServe(cfg.Server.HTTPBind, mux); err != nil { //nolint:gosec // introspection only, bound per-config
				slog.Error("introspection API stopped", "err", err)
			}
		}()
	}

	return hub.ListenAndServe(cfg.Server.Bind)
}
