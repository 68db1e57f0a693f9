package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-docsync/internal/persistence"
	"github.com/a-essam23/go-docsync/internal/relay"
	"github.com/a-essam23/go-docsync/internal/router"
	"github.com/a-essam23/go-docsync/internal/server/middleware"
	"github.com/a-essam23/go-docsync/pkg/config"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/a-essam23/go-docsync/pkg/state/statemanager"
	"github.com/a-essam23/go-docsync/pkg/storage"
	"github.com/a-essam23/go-docsync/pkg/transport"
)

const (
	shutdownTimeout = 10 * time.Second
	flushTimeout    = 30 * time.Second
)

var errShutdown = errors.New("graceful shutdown")

type App struct {
	logger       *slog.Logger
	config       *config.Config
	metrics      *metrics.Metrics
	store        storage.Store
	stateManager *statemanager.InMemoryManager
	eventRouter  *router.EventRouter
	sweeper      *persistence.Sweeper
	relay        *relay.Relay
	relayClient  *redis.Client

	wg      sync.WaitGroup // live connections
	workers sync.WaitGroup // sweeper, janitor, relay
	http    *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	format, err := crdt.ParseFormat(cfg.Storage.Format)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(rootCtx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New()
	ctx, cancel := context.WithCancel(rootCtx)
	app := &App{
		logger:  logger,
		config:  cfg,
		metrics: m,
		store:   store,
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := statemanager.Options{
		Initializer:      storage.NewInitializer(store, logger),
		Metrics:          m,
		AwarenessTimeout: cfg.Awareness.Timeout,
		MaxIdleRooms:     cfg.Registry.MaxIdleRooms,
		// the sweeper is built below; it needs the manager as its room source
		OnEvict: func(ctx context.Context, r *room.Room) error {
			return app.sweeper.SaveEvicted(ctx, r)
		},
	}
	if cfg.Persistence.FlushOnIdle {
		opts.OnIdle = func(r *room.Room) { app.sweeper.SaveIdle(r) }
	}
	if cfg.Relay.Enabled {
		app.relayClient = redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		app.relay = relay.New(app.relayClient, relay.Config{
			ChannelPrefix: cfg.Relay.ChannelPrefix,
			QueueSize:     cfg.Relay.QueueSize,
		}, m, logger)
		opts.Relay = app.relay
	}

	app.stateManager = statemanager.NewInMemoryManager(logger, opts)
	app.sweeper = persistence.NewSweeper(app.stateManager, store, persistence.Config{
		Interval: cfg.Persistence.Interval,
		Format:   format,
	}, m, logger)
	app.eventRouter = router.NewEventRouter(logger, app.stateManager, router.Config{
		PerSecond: cfg.Transport.RateLimit.PerSecond,
		Burst:     cfg.Transport.RateLimit.Burst,
	}, m)

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) routes() http.Handler {
	connCounter := middleware.ConnectionCounter(a.stateManager.CountConnections)
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(clientKey string) {
		oldest, found := a.stateManager.FindOldestConnection(clientKey)
		if found {
			a.logger.Info("Cycling connection: closing oldest", slog.String("client", clientKey), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", okay).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(
		middleware.Chain(http.HandlerFunc(a.documentHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
			middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				a.logger,
				connCounter,
				connCycler,
				a.config.Server.ConnectionLimit,
			),
		),
	)
	return r
}

// Handler returns the HTTP handler serving health, metrics and documents.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func okay(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("okay"))
}

// DocumentName maps a request path to the document it names. The root and
// /ws name no document.
func DocumentName(path string) string {
	return middleware.DocumentName(path)
}

func (a *App) documentHandler(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsWebSocketUpgrade(r) {
		okay(w, r)
		return
	}
	var doc string
	if reqMeta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		doc = reqMeta.Doc
	} else {
		doc = DocumentName(r.URL.Path)
	}
	if doc != "" {
		if err := storage.ValidateName(doc); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}
	a.upgradeHandler(w, r, doc)
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request, doc string) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
		slog.String("doc", doc),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		a.config.Transport.ConnectionConfig,
		nil,
		nil,
		a.logger,
	)
	// register new connection
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP, reqMeta.UserID)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	a.eventRouter.Attach(stateConn.ID, doc)
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.eventRouter.Detach(id)
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	})

	// the server's sync-step-1 is queued before the pumps start
	if doc != "" {
		if _, err := a.stateManager.Subscribe(r.Context(), stateConn.ID, doc); err != nil {
			connLogger.Error("Failed to open document", slog.Any("error", err))
			conn.Close(err)
			return
		}
	}

	connLogger.Info("Client connection fully established", slog.String("connID", stateConn.ID.String()))
	conn.Run()
	<-conn.Done()
}

// Run listens on the configured address and serves until the root context is
// done.
func (a *App) Run() error {
	l, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return err
	}
	return a.Serve(l)
}

// Serve runs the background workers and serves HTTP on l until the root
// context is done or the listener fails, then shuts down.
func (a *App) Serve(l net.Listener) error {
	a.startWorkers()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", l.Addr().String()))
		errCh <- a.http.Serve(l)
	}()

	var serveErr error
	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			serveErr = err
		}
	}
	return errors.Join(serveErr, a.Shutdown())
}

func (a *App) startWorkers() {
	a.workers.Add(2)
	go func() {
		defer a.workers.Done()
		a.sweeper.Run(a.ctx)
	}()
	go func() {
		defer a.workers.Done()
		a.stateManager.RunJanitor(a.ctx, a.config.Awareness.SweepInterval)
	}()

	if a.relay != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.relay.Run(a.ctx, a.stateManager); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Relay stopped", slog.Any("error", err))
			}
		}()
	}
}

// graceful shutdown sequence. Safe to call more than once.
func (a *App) Shutdown() error {
	var err error
	a.shutdown.Do(func() {
		err = a.shutdownOnce()
	})
	return err
}

func (a *App) shutdownOnce() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := a.http.Shutdown(shutdownCtx)

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errShutdown)
	}
	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	a.cancel()
	a.workers.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()
	res := a.sweeper.Flush(flushCtx)
	a.logger.Info("Final flush finished", slog.Int("written", res.Written), slog.Int("failed", res.Failed))

	var errs []error
	if httpErr != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", httpErr))
	}
	if res.Failed > 0 {
		errs = append(errs, fmt.Errorf("final flush: %d documents not saved", res.Failed))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if a.relayClient != nil {
		if err := a.relayClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay client: %w", err))
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return errors.Join(errs...)
}
