package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/service"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the backend connection once",
	RunE:  runProbe,
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg.Connection.AutoReconnect = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := service.Open(ctx, cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open data service: %w", err)
	}
	defer svc.Dispose()

	state := svc.CheckConnection(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(svc.Health()); err != nil {
		return err
	}
	if state != connection.StateConnected {
		return fmt.Errorf("backend not reachable: %s", state)
	}
	return nil
}
