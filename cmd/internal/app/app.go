package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/internal/realtime"
)

// App owns the wired components and the HTTP server lifecycle.
type App struct {
	cfg Config
	log *slog.Logger

	pool  *pgxpool.Pool
	convs realtime.ConversationStore
	posts realtime.PostStore
	users realtime.UserStore
	media realtime.MediaStore

	hub     *realtime.Hub
	gateway *realtime.WSGateway
}

// New builds the full component graph from config. With no database URL the
// app runs on the in-memory store; with no media dir, on in-memory blobs.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		pg, err := realtime.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		a.pool = pool
		a.convs, a.posts, a.users = pg, pg, pg
		log.Info("store.postgres", "max_conns", cfg.DBMaxConns)
	} else {
		mem := realtime.NewInMemoryStore()
		a.convs, a.posts, a.users = mem, mem, mem
		log.Warn("store.memory", "detail", "no BAZAAR_DATABASE_URL set, state is volatile")
	}

	if cfg.MediaDir != "" {
		blobs, err := realtime.OpenBadgerMediaStore(cfg.MediaDir)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("media store: %w", err)
		}
		a.media = blobs
		log.Info("media.badger", "dir", cfg.MediaDir)
	} else {
		a.media = realtime.NewInMemoryMediaStore()
		log.Warn("media.memory", "detail", "no BAZAAR_MEDIA_DIR set, blobs are volatile")
	}

	presence := realtime.NewPresenceRegistry(log, a.users)
	a.hub = realtime.NewHub(log, presence)
	sessions := realtime.NewSessionManager(log, a.convs, a.posts, a.media)
	unread := realtime.NewUnreadAggregator(a.convs)
	dispatcher := realtime.NewDispatcher(log, presence, a.hub, sessions, unread)
	a.gateway = realtime.NewWSGateway(log, a.hub, dispatcher)

	return a, nil
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var handler http.Handler = mux
	handler = WithCORS(a.cfg, handler)
	handler = WithRequestLogging(a.log, handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http.listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		a.log.Info("http.shutdown.begin")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http.shutdown.fail", "err", err)
		}
		err := <-errCh
		a.closeStores()
		a.log.Info("http.shutdown.done")
		return err
	case err := <-errCh:
		a.closeStores()
		return err
	}
}

func (a *App) closeStores() {
	if a.media != nil {
		if err := a.media.Close(); err != nil {
			a.log.Warn("media.close.fail", "err", err)
		}
	}
	if a.convs != nil {
		if err := a.convs.Close(); err != nil {
			a.log.Warn("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func nonZeroInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
