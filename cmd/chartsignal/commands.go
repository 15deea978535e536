package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/abdhe/chart-signal/pkg/analyzer"
	"github.com/abdhe/chart-signal/pkg/httpapi"
	"github.com/abdhe/chart-signal/pkg/resilience"
	"github.com/abdhe/chart-signal/pkg/rpc"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg, log := a.cfg, a.log
	log.Info().
		Str("provider", a.pool.Name()).
		Str("model", cfg.Provider.Model).
		Int("keys", a.pool.Size()).
		Msg("starting chart signal service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Cooldown sweeper
	// -------------------------------------------------------------------------
	sweeper := resilience.NewSweeper(a.pool, cfg.Pool.PollInterval, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	errCh := make(chan error, 2)

	// -------------------------------------------------------------------------
	// gRPC server
	// -------------------------------------------------------------------------
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(int(cfg.Server.MaxUploadBytes) + 1<<20),
	)
	rpc.Register(grpcServer, rpc.NewHandler(a.analyzer, log))
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port %s: %w", cfg.Server.GRPCPort, err)
	}
	go func() {
		log.Info().Str("addr", grpcLis.Addr().String()).Msg("gRPC server listening")
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// HTTP server (API, metrics, health)
	// -------------------------------------------------------------------------
	api := httpapi.NewServer(a.analyzer, cfg.Server.MaxUploadBytes, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("chart signal service shut down")
	return runErr
}

func newAnalyzeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze FILE",
		Short: "Analyse one chart image and print the signal as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sweeper := resilience.NewSweeper(a.pool, a.cfg.Pool.PollInterval, a.log)
			sweeper.Start(cmd.Context())
			defer sweeper.Stop()

			res, err := a.analyzer.Analyze(cmd.Context(), analyzer.Image{
				Data:   data,
				Source: filepath.Base(args[0]),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newPoolCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Print key pool status from a running server, or from local config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				a, err := newApp(*configPath)
				if err != nil {
					return err
				}
				defer a.close()
				return printJSON(cmd, a.analyzer.PoolStatus())
			}

			conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			list, err := rpc.NewClient(conn).PoolStatus(ctx)
			if err != nil {
				return fmt.Errorf("pool status: %w", err)
			}
			b, err := protojson.Marshal(list)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pretty.Pretty(b))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running server (host:port)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(pretty.Pretty(b))
	return err
}
