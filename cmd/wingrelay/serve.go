package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/config"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/gateway"
	"github.com/ehrlich-b/wingrelay/internal/logger"
	"github.com/ehrlich-b/wingrelay/internal/pool"
	"github.com/ehrlich-b/wingrelay/internal/store"
	"github.com/ehrlich-b/wingrelay/internal/trace"
)

const sweepInterval = time.Hour

func serveCmd(configPath *string) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			verifier, err := auth.NewVerifier(auth.Config{
				APIKey:     cfg.Auth.APIKey,
				APIKeyHash: cfg.Auth.APIKeyHash,
				JWTSecret:  cfg.Auth.JWTSecret,
				TokenTTL:   cfg.Auth.TokenTTL,
			})
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}

			dbPath := cfg.DBPath()
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return fmt.Errorf("create db dir: %w", err)
			}
			st, err := store.Open(dbPath, store.WithCompression(cfg.CompressBlobs()))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sysContext conversation.ContextProvider
			if p := cfg.Store.SystemContextPath; p != "" {
				src := conversation.NewContextSource(p)
				if err := src.Watch(ctx); err != nil {
					logger.Warn("system context will not reload", "path", p, "error", err)
				}
				sysContext = src
			}
			convs := conversation.NewManager(st, conversation.Options{
				HistoryLimit: cfg.Store.HistoryLimit,
				Context:      sysContext,
			})
			if _, err := convs.Sweep(cfg.Store.Retention); err != nil {
				logger.Warn("startup sweep failed", "error", err)
			}
			if _, err := convs.Warm(cfg.Store.WarmWindow); err != nil {
				logger.Warn("warm failed", "error", err)
			}
			go sweepLoop(ctx, convs, cfg.Store.Retention)

			bc := bridge.NewClient(bridge.Config{
				Runtime:          cfg.Bridge.Runtime,
				Script:           cfg.Bridge.Script,
				Flag:             cfg.Bridge.Flag,
				Capsule:          cfg.Bridge.Capsule,
				Sentinel:         cfg.Bridge.Sentinel,
				ChunkSize:        cfg.Bridge.ChunkSize,
				MaxSystemContext: cfg.Bridge.MaxSystemContext,
				Source:           cfg.Bridge.Source,
				ProtocolVersion:  cfg.Bridge.ProtocolVersion,
				WorkDir:          cfg.Bridge.WorkDir,
				TerminateGrace:   cfg.Pool.TerminateGrace,
			})
			if h := bc.Health(ctx); !h.Ready {
				logger.Warn("bridge not ready, turns will fail until it is",
					"script", h.ScriptPath, "script_exists", h.ScriptExists,
					"runtime", h.Runtime, "runtime_available", h.RuntimeOK)
			}

			p := pool.New(bc, pool.Options{
				IdleTimeout:    cfg.Pool.IdleTimeout,
				ReapInterval:   cfg.Pool.ReapInterval,
				TerminateGrace: cfg.Pool.TerminateGrace,
			})
			p.Start(ctx)

			srv := gateway.NewServer(gateway.Deps{
				Verifier:      verifier,
				Pool:          p,
				Conversations: convs,
				Traces:        trace.NewRecorder(cfg.Trace.MaxTraces),
				Bridge:        bc,
			}, gateway.Options{
				Version:      version,
				AuthTimeout:  cfg.Auth.Timeout,
				ReadTimeout:  cfg.Server.ReadTimeout,
				ReadLimit:    cfg.Server.ReadLimit,
				Pacing:       cfg.Stream.Pacing,
				FrameRate:    cfg.Stream.FrameRate,
				FrameBurst:   cfg.Stream.FrameBurst,
				HistoryLimit: cfg.Store.HistoryLimit,
				RequireAuth:  cfg.AuthRequired(),
				Compressed:   cfg.CompressBlobs(),
			})

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("wingrelay listening", "addr", cfg.Server.Addr, "version", version, "db", dbPath)
				errCh <- httpSrv.ListenAndServe()
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Error("listener failed, shutting down", "error", err)
					serveErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			// Killing the bridge processes ends in-flight turns; their handlers
			// still persist before the gateway lets go of them.
			p.Shutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("websocket shutdown", "error", err)
			}
			if err := convs.Flush(); err != nil {
				logger.Error("unsaved conversations at exit", "count", convs.Dirty(), "error", err)
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// sweepLoop deletes conversations past retention until ctx is done.
func sweepLoop(ctx context.Context, convs *conversation.Manager, retention time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := convs.Sweep(retention); err != nil {
				logger.Warn("sweep failed", "error", err)
			}
		}
	}
}
