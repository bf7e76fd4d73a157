package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"medrec.org/internal/audit"
	"medrec.org/internal/config"
	"medrec.org/internal/httpapi"
	"medrec.org/internal/obs"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(v *viper.Viper) error {
				for key, flag := range map[string]string{
					"server.addr":      "addr",
					"server.grpc_addr": "grpc-addr",
					"server.dev":       "dev",
					"database.driver":  "driver",
				} {
					if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("grpc-addr", ":9090", "gRPC health listen address (empty disables)")
	cmd.Flags().Bool("dev", false, "Enable development mode (detailed error messages)")
	cmd.Flags().String("driver", "postgres", "Storage driver: postgres or memory")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close storage", "error", err.Error())
		}
	}()

	engine, admin, err := services(cfg, b)
	if err != nil {
		return err
	}
	if _, err := admin.InitializeRoles(ctx); err != nil {
		return fmt.Errorf("initialize roles: %w", err)
	}
	if err := bootstrapAdmin(ctx, cfg, b, admin); err != nil {
		return err
	}

	recorder := audit.NewRecorder(b.audit,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWorkers(cfg.Audit.Workers),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)

	api := httpapi.New(httpapi.Deps{
		Engine:    engine,
		Admin:     admin,
		Recorder:  recorder,
		AuditLog:  b.audit,
		Readiness: b,
		Version:   obs.Version,
	}, httpapi.Options{
		Dev:                cfg.Server.Dev,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		CORSOrigins:        cfg.Server.CORSOrigins,
		RatePerSecond:      cfg.Server.RatePerSecond,
		RateBurst:          cfg.Server.RateBurst,
		LoginRatePerMinute: cfg.Server.LoginRatePerMinute,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
	)
	if cfg.Server.GRPCAddr != "" {
		health := httpapi.NewGRPCHealth(b)
		grpcSrv = httpapi.NewGRPCServer(health)
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			_ = recorder.Close(context.Background())
			return fmt.Errorf("grpc listen: %w", err)
		}
		go health.Run(ctx, 10*time.Second)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "version", obs.Version, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	if grpcSrv != nil {
		go func() {
			logger.Info("grpc health server starting", "addr", cfg.Server.GRPCAddr)
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr.Error())
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err.Error())
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("audit drain incomplete", "error", err.Error())
	}
	logger.Info("server stopped")
	return runErr
}
