package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"versus/server/api"
	"versus/server/broker"
	"versus/server/config"
	"versus/server/game"
	"versus/server/lock"
	"versus/server/logger"
	"versus/server/network"
	"versus/server/s2s"
	"versus/server/store"
	"versus/server/store/postgres"
	"versus/server/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, eris.ToString(err, false))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "versus",
		Short:         "Two-player matchmaking, relay and arbitration broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return migrate(cmd.Context(), cfg, log)
		},
	})
	return root
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func migrate(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Store.Driver != "postgres" {
		return eris.Errorf("migrate needs store.driver=postgres, got %q", cfg.Store.Driver)
	}
	pg, err := postgres.New(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info("[MAIN] schema applied")
	return nil
}

type stores struct {
	directory store.Directory
	matches   store.MatchStore
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	s := &stores{close: func() {}}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.directory, s.matches, s.close = pg, pg, pg.Close
		log.Info("[MAIN] using postgres match store")
	default:
		// Unknown names become accounts so a local run needs no account service.
		mem := store.NewMemory(true)
		s.directory, s.matches = mem, mem
		log.Info("[MAIN] using in-memory match store")
	}

	if cfg.Directory.Driver == "http" {
		s.directory = s2s.NewDirectoryClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, log.Named("s2s"))
		log.Info("[MAIN] resolving accounts over http", zap.String("base_url", cfg.Directory.BaseURL))
	}
	return s, nil
}

func brokerOptions(ctx context.Context, cfg *config.Config, log *zap.Logger) (broker.Options, func(), error) {
	tie, err := game.ParseTieBreak(cfg.Arbitration.TieBreak)
	if err != nil {
		return broker.Options{}, nil, err
	}
	opts := broker.Options{
		QueueMaxWait:        cfg.Queue.MaxWait,
		RelayBuffer:         cfg.Relay.Buffer,
		TieBreak:            tie,
		ForfeitOnDisconnect: cfg.Arbitration.ForfeitOnDisconnect,
		FinalizeTimeout:     cfg.Arbitration.FinalizeTimeout,
	}
	if cfg.Redis.Addr == "" {
		return opts, func() {}, nil
	}

	owner, _ := os.Hostname()
	guard := lock.NewRedisGuard(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, owner+"-"+uuid.NewString(), cfg.Redis.GuardTTL)
	if err := guard.Ping(ctx); err != nil {
		guard.Close()
		return broker.Options{}, nil, err
	}
	opts.Guard = guard
	log.Info("[MAIN] finalization guard enabled", zap.String("redis", cfg.Redis.Addr))
	return opts, func() { guard.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("[MAIN] starting broker")

	metrics, err := telemetry.New("versus")
	if err != nil {
		return err
	}
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	opts, closeGuard, err := brokerOptions(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeGuard()

	b := broker.New(st.directory, st.matches, metrics, log.Named("broker"), opts)
	ws := network.NewWSServer(b, cfg.Server.AllowedOrigins, log.Named("ws"))
	apiServer := api.NewServer(b, ws, metrics, log.Named("api"))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("[MAIN] http listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "http server")
		}
		return nil
	})
	if cfg.Server.TCPAddr != "" {
		tcp := network.NewTCPServer(cfg.Server.TCPAddr, b, log.Named("tcp"))
		g.Go(func() error {
			return tcp.Listen(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("[MAIN] shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(sctx)
		brokerErr := b.Shutdown(sctx)
		ws.Wait()
		if brokerErr != nil {
			log.Error("[MAIN] finalizations abandoned at shutdown", zap.Error(brokerErr))
		}
		return eris.Wrap(httpErr, "http shutdown")
	})

	return g.Wait()
}
