package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mycolab/labdb/internal/health"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/server"
	"github.com/mycolab/labdb/internal/service"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the data layer with its admin API",
	Long: `Start the data layer and serve the admin HTTP API and the gRPC health service.

SIGUSR1 reports the network as online and SIGUSR2 as offline, which the connection
monitor treats like host connectivity events. SIGINT and SIGTERM shut down gracefully.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting labdb",
		zap.String("version", Version),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("feed", cfg.Transport.Feed),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := transport.NewManualSignals()
	svc, err := service.Open(ctx, cfg, signals, m, logger)
	if err != nil {
		return fmt.Errorf("failed to open data service: %w", err)
	}
	defer svc.Dispose()
	svc.Init(ctx)

	bridge := health.NewGRPCBridge(svc)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, bridge.Server())

	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)))
	if err != nil {
		bridge.Close()
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	httpServer := server.NewServer(cfg.Server, cfg.Metrics, svc, health.NewHealthChecker(svc, logger.Named("health")), m, logger.Named("http"))

	errChan := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()
	go func() {
		logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("Network reported online")
				signals.Emit(transport.SignalOnline)
			case syscall.SIGUSR2:
				logger.Info("Network reported offline")
				signals.Emit(transport.SignalOffline)
			default:
				logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				break wait
			}
		case runErr = <-errChan:
			logger.Error("Server error", zap.Error(runErr))
			break wait
		}
	}

	logger.Info("Initiating graceful shutdown")
	bridge.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	grpcServer.GracefulStop()

	// Queued writes are flushed before the service is disposed
	if results := svc.Flush(shutdownCtx); len(results) > 0 {
		logger.Info("Flushed pending writes", zap.Int("count", len(results)))
	}

	logger.Info("labdb shutdown complete")
	return runErr
}
