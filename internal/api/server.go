package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/config"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
	"github.com/reeflabs/reefbridge-core/internal/poller"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Poller is the snapshot source the API reads from. *poller.Coordinator
// satisfies it.
type Poller interface {
	Snapshot() *apex.Snapshot
	Identities() map[string]identity.Identity
	Stats() poller.Stats
	ControllerSlug() string
	RefreshConfigNow(ctx context.Context) error
	RequestStatusRefresh()
	Subscribe(fn poller.Listener) uuid.UUID
	Unsubscribe(id uuid.UUID)
}

// Commander is the command surface the API routes writes to.
// *control.Dispatcher satisfies it.
type Commander interface {
	ReadOnly() bool
	SetOutputMode(ctx context.Context, key, mode string) error
	SetFeed(ctx context.Context, id int, active bool) error
	TridentPrimeChannel(ctx context.Context, channel int) error
	TridentNewReagent(ctx context.Context, reagent int) error
	TridentResetWaste(ctx context.Context) error
	TridentSetWasteSize(ctx context.Context, sizeML float64) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Poller   Poller
	Commands Commander
	Version  string
}

// Server is the HTTP API server for Reef Bridge Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	poller   Poller
	commands Commander
	version  string

	server   *http.Server
	hub      *Hub
	tickets  *ticketStore
	listener uuid.UUID
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Poller == nil {
		return nil, fmt.Errorf("poller is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger.With("component", "api"),
		poller:   deps.Poller,
		commands: deps.Commands,
		version:  deps.Version,
		tickets:  newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers a poller listener for real-time
// snapshot broadcast, and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	// Push every published snapshot to subscribed WebSocket clients.
	s.listener = s.poller.Subscribe(func(snap *apex.Snapshot, ids map[string]identity.Identity) {
		s.hub.Broadcast(wsChannelSnapshot, snapshotView(snap, ids))
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to gracefulShutdownTimeout for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.poller.Unsubscribe(s.listener)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
