// Package app wires the Fitlink chat runtime: config, logging, persistence,
// presence, fanout, the websocket gateway, and the HTTP API.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"fitlink/cmd/internal/chat"
	"fitlink/cmd/internal/chatapi"
)

// App is the chat server runtime. It owns every long-lived resource and
// releases them in reverse wiring order on shutdown.
type App struct {
	cfg Config
	log Logger

	store chat.Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	redisClient *redis.Client
	natsConn    *nats.Conn
	bridge      *chat.NATSBridge

	gateway *chat.Gateway
	api     *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	macKey, err := ValidateSecurityConfig()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	if err := a.wireStore(context.Background()); err != nil {
		return nil, err
	}

	presence, err := a.wirePresence()
	if err != nil {
		a.closeResources()
		return nil, err
	}

	hub := chat.NewHub(log)

	if err := a.wireBridge(hub); err != nil {
		a.closeResources()
		return nil, err
	}

	fanout := chat.NewFanout(log, hub, a.bridge)

	a.gateway = chat.NewGateway(log, hub, fanout, presence, macKey)

	api, err := chatapi.NewHandler(log, chatapi.ConfigFromEnv(), a.store, fanout, presence, macKey)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.api = api

	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redisClient != nil,
		"nats_enabled", a.natsConn != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeResources()

	a.log.Info("server.stopped")
	return nil
}

// ---- wiring ----

// wireStore decides between Postgres-backed persistence and the in-memory
// dev store. Ownership model: the app owns the pool lifecycle and
// PostgresStore.Close is a no-op.
func (a *App) wireStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	store, err := chat.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store")
	a.dbPool = pool
	a.dbEnabled = true
	a.store = store
	return nil
}

// wirePresence decides between the Redis-backed presence registry and the
// in-process one. Redis keeps presence consistent across gateway nodes.
func (a *App) wirePresence() (chat.PresenceStore, error) {
	if a.cfg.RedisAddr == "" {
		a.log.Info("presence.inmemory")
		return chat.NewInMemoryPresence(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	presence, err := chat.NewRedisPresence(rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	a.log.Info("presence.redis", "addr", a.cfg.RedisAddr)
	a.redisClient = rdb
	return presence, nil
}

// wireBridge connects NATS for cross-node fanout when configured.
func (a *App) wireBridge(hub *chat.Hub) error {
	if a.cfg.NATSURL == "" {
		a.log.Info("fanout.local_only")
		return nil
	}

	nc, err := nats.Connect(a.cfg.NATSURL,
		nats.Name("fitlink-chat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return err
	}

	bridge, err := chat.NewNATSBridge(a.log, nc, hub, a.cfg.NodeID)
	if err != nil {
		nc.Close()
		return err
	}

	a.log.Info("fanout.nats", "url", a.cfg.NATSURL, "node_id", a.cfg.NodeID)
	a.natsConn = nc
	a.bridge = bridge
	return nil
}

func (a *App) closeResources() {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Error("bridge.close.fail", "err", err)
		}
		a.bridge = nil
	}
	if a.natsConn != nil {
		a.natsConn.Close()
		a.natsConn = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redisClient = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
