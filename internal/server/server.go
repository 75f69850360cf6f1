// Package server wires authentication, presence, and the event router behind
// the HTTP endpoints and owns the process lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Biren07/chat-application/internal/auth"
	"github.com/Biren07/chat-application/internal/router"
	"github.com/Biren07/chat-application/internal/server/middleware"
	"github.com/Biren07/chat-application/internal/user"
	"github.com/Biren07/chat-application/pkg/config"
	"github.com/Biren07/chat-application/pkg/presence"
	"github.com/Biren07/chat-application/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type App struct {
	logger      *slog.Logger
	registry    *presence.Registry
	eventRouter *router.EventRouter
	directory   *user.InMemoryDirectory
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	directory := user.NewInMemoryDirectory()
	for _, seed := range cfg.Users {
		directory.Add(user.Profile{ID: seed.ID, FullName: seed.FullName, Email: seed.Email})
	}
	authenticator := auth.New(cfg.Server.Auth.JWTSecret, directory)

	registry := presence.NewRegistry(logger)
	eventRouter := router.New(logger, registry)

	app := &App{
		logger:      logger,
		registry:    registry,
		eventRouter: eventRouter,
		directory:   directory,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, authenticator),
		),
	)
	// The HTTP layer authenticates with the same extraction order and secret
	// as the realtime layer; one login session powers both transports.
	mux.Handle("/api/me",
		middleware.Chain(http.HandlerFunc(app.meHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, authenticator),
		),
	)
	mux.Handle("/api/users",
		middleware.Chain(http.HandlerFunc(app.usersHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, authenticator),
		),
	)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.User == nil {
		// Auth middleware admits only authenticated requests; reaching this
		// without an identity means the chain is miswired.
		a.logger.Error("Upgrade reached without authenticated identity")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.User.ID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:  a.config.Transport.ReadTimeout,
			WriteTimeout: a.config.Transport.WriteTimeout,
		},
		a.logger,
	)

	// Identity is attached before the pumps start: no event is ever
	// dispatched on a connection without an authenticated user.
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.Any("error", err))
		a.eventRouter.Disconnect(id)
	})
	a.eventRouter.Connect(&router.Client{
		Conn:   conn,
		UserID: reqMeta.User.ID,
		Name:   reqMeta.User.FullName,
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) meHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.User == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reqMeta.User); err != nil {
		a.logger.Error("Failed to write profile response", slog.Any("error", err))
	}
}

// usersHandler returns every known profile except the requester's own: the
// conversation roster a chat client renders in its sidebar.
func (a *App) usersHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.User == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	profiles := a.directory.All()
	roster := make([]user.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != reqMeta.User.ID {
			roster = append(roster, p)
		}
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(roster); err != nil {
		a.logger.Error("Failed to write roster response", slog.Any("error", err))
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.Conns() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
