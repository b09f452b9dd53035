package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mycolab/labdb/internal/loader"
	"github.com/mycolab/labdb/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run a load plan once and print the result as JSON",
	Long: `Run a load plan once and print the result as JSON. Tables are loaded in priority
order, at most max_concurrent at a time. The command fails when a required table
could not be loaded.`,
	RunE: runLoad,
}

func init() {
	key := "plan"
	loadCmd.Flags().String(key, "configs/load-plan.yaml", "path to the YAML load plan")
	key = "rows"
	loadCmd.Flags().Bool(key, false, "include the loaded rows in the output")
}

func runLoad(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	plan, err := loader.LoadPlanFile(viper.GetString("plan"))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := service.Open(ctx, cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open data service: %w", err)
	}
	defer svc.Dispose()

	result := svc.LoadAll(ctx, *plan)
	if !viper.GetBool("rows") {
		for _, tr := range result.Tables {
			logger.Debug("Loaded table", zap.String("table", tr.Table), zap.Int("rows", len(tr.Data)))
			tr.Data = nil
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if !result.Success {
		return fmt.Errorf("load plan failed: %d table(s) with errors", len(result.Errors))
	}
	return nil
}
