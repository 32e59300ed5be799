// ABOUTME: Server assembly: stores, services, components, HTTP listener
// ABOUTME: Drives the lifecycle from INSTANCED to READY and back to STOPPED

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

	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/instance"
	"github.com/morrigan-server/morrigan/internal/morrigan"
	"github.com/morrigan-server/morrigan/internal/openapi"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

// Options assemble a Server.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Listener overrides the configured port when set. Tests use it to
	// bind an ephemeral port.
	Listener net.Listener

	// Components are loaded alongside the built-ins, unconditionally.
	Components []component.Component
}

// Server owns the whole process: stores, token and identity services, the
// component host, the HTTP listener, and the instance reporter.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	listener net.Listener
	extra    []component.Component

	instanceID string
	lc         *lifecycle

	stateStore *store.FileStateStore
	data       *store.SQLiteStore
	opTokens   *tokens.Service
	identity   *identity.Service
	host       *component.Host
	agents     *morrigan.Component
	reporter   *instance.Reporter
	httpServer *http.Server
	mux        *http.ServeMux
	info       component.ServerInfo

	stopMu sync.Mutex
}

// New builds a server in the INSTANCED state.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		cfg:        opts.Config,
		logger:     opts.Logger.With("component", "server"),
		version:    opts.Version,
		listener:   opts.Listener,
		extra:      opts.Components,
		instanceID: uuid.New().String(),
		lc:         newLifecycle(),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State { return s.lc.current() }

// Err returns the captured error after an ERROR transition.
func (s *Server) Err() error { return s.lc.err() }

// InstanceID returns this server's cluster instance id.
func (s *Server) InstanceID() string { return s.instanceID }

// Subscribe registers a lifecycle observer.
func (s *Server) Subscribe(fn Observer) { s.lc.subscribe(fn) }

// Addr returns the bound listener address once the server has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Host exposes the component host, mainly for observers inspecting the
// per-component error map after setup.
func (s *Server) Host() *component.Host { return s.host }

// Setup loads the state store and server info. Valid only from INSTANCED.
func (s *Server) Setup(ctx context.Context) error {
	if !s.lc.transitionFrom(StateInstanced, StateInitializing) {
		return fmt.Errorf("setup is only valid from %s, state is %s", StateInstanced, s.State())
	}

	stateStore, err := store.NewFileStateStore(s.cfg.StateDir)
	if err != nil {
		err = fmt.Errorf("opening state store: %w", err)
		s.lc.fail(err)
		return err
	}
	s.stateStore = stateStore

	s.info = component.ServerInfo{
		ID:      s.instanceID,
		Version: s.version,
		Started: time.Now().UTC(),
	}

	s.lc.transition(StateInitialized)
	s.logger.Info("server initialized", "instance_id", s.instanceID, "version", s.version)
	return nil
}

// Start brings the server to READY: data store, services, HTTP listener,
// components, OpenAPI endpoint, and the instance reporter. It auto-runs
// Setup when called from INSTANCED.
func (s *Server) Start(ctx context.Context) error {
	if s.State() == StateInstanced {
		if err := s.Setup(ctx); err != nil {
			return err
		}
	}
	if !s.lc.transitionFrom(StateInitialized, StateStarting) {
		return fmt.Errorf("start is only valid from %s, state is %s", StateInitialized, s.State())
	}

	if err := s.openDataStore(); err != nil {
		s.lc.fail(err)
		return err
	}
	s.lc.transition(StateStartingConnected)

	// The listener binds before the host exists so every component's
	// environment carries the final base URL.
	if err := s.openListener(); err != nil {
		s.lc.fail(err)
		return err
	}

	if err := s.buildServices(); err != nil {
		s.lc.fail(err)
		return err
	}

	s.serve()
	s.lc.transition(StateStarted)

	s.host.SetupAll(ctx)
	for name, hooks := range s.host.Errors() {
		for hook, err := range hooks {
			s.logger.Error("component hook failed", "name", name, "hook", hook, "error", err)
		}
	}

	s.mountDocs()

	s.reporter = instance.NewReporter(instance.ReporterConfig{
		Instances:  s.data.Collection("morrigan.instances"),
		InstanceID: s.instanceID,
		Components: s.host.Names(),
		Interval:   s.cfg.Instances.CheckInInterval,
		Logger:     s.logger,
	})
	if err := s.reporter.Start(ctx); err != nil {
		s.lc.fail(err)
		return err
	}

	s.lc.transition(StateReady)
	s.logger.Info("server ready", "addr", s.Addr(), "instance_id", s.instanceID)
	return nil
}

// Stop shuts the server down with a reason. Valid only from READY; a call
// in any other state returns nil so process-exit handlers stay idempotent.
// Component shutdown hooks resolve before the listener closes, and the
// listener close waits for in-flight requests.
func (s *Server) Stop(ctx context.Context, reason string) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if !s.lc.transitionFrom(StateReady, StateStopping) {
		return nil
	}

	s.logger.Info("server stopping", "reason", reason)

	s.host.ShutdownAll(ctx, reason)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("listener shutdown interrupted", "error", err)
	}

	s.reporter.Stop(ctx, reason)
	s.opTokens.Dispose()

	if err := s.data.Close(); err != nil {
		s.logger.Warn("data store close failed", "error", err)
	}

	s.lc.transition(StateStopped)
	s.logger.Info("server stopped", "reason", reason)
	return nil
}

func (s *Server) openDataStore() error {
	if s.cfg.Database.DBName == config.DefaultDBName {
		s.logger.Warn("database.db_name is the default; set one per deployment",
			"db_name", s.cfg.Database.DBName,
		)
	}

	data, err := store.NewSQLiteStore(s.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}
	s.data = data
	return nil
}

// buildServices wires the operator token service, the identity service,
// the mux, the component host, and the two built-in components.
func (s *Server) buildServices() error {
	opTokens, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:      s.instanceID,
		Records:     s.data.Collection("auth.tokens"),
		TTL:         s.cfg.Tokens.OperatorTTL,
		KeyRotation: s.cfg.Tokens.KeyRotation,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("creating operator token service: %w", err)
	}
	s.opTokens = opTokens

	s.identity = identity.NewService(identity.ServiceConfig{
		Identities: s.data.Collection("auth.identities"),
		Auths:      s.data.Collection("auth.authentications"),
		Tokens:     opTokens,
		Logger:     s.logger,
	})

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.host = component.NewHost(component.HostConfig{
		Mux:    s.mux,
		Data:   s.data,
		State:  s.stateStore,
		Info:   s.info,
		Logger: s.logger,
		Auth:   s.identity.Middleware(),
		Access: s.identity,
		Specs:  s.cfg.Components,
	})

	s.agents = morrigan.New(morrigan.Config{
		ClientTokenTTL:    s.cfg.Tokens.ClientTTL,
		KeyRotation:       s.cfg.Tokens.KeyRotation,
		HeartbeatInterval: s.cfg.Sessions.HeartbeatInterval,
		Providers:         s.host,
	})

	// An empty components block loads every built-in; a populated one
	// selects the active names.
	builtins := []component.Component{
		identity.NewAuthComponent(s.identity, s.cfg.Auth.BootstrapPassword),
		s.agents,
	}
	for _, c := range builtins {
		if len(s.cfg.Components) > 0 {
			if _, ok := s.cfg.Components[c.Name()]; !ok {
				s.logger.Info("built-in component not selected", "name", c.Name())
				continue
			}
		}
		s.host.Add(c)
	}
	for name := range s.cfg.Components {
		if name != "auth" && name != "morrigan" {
			s.logger.Warn("config names an unknown component", "name", name)
		}
	}

	for _, c := range s.extra {
		s.host.Add(c)
	}
	return nil
}

func (s *Server) openListener() error {
	if s.listener == nil {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTP.Port))
		if err != nil {
			return fmt.Errorf("opening listener: %w", err)
		}
		s.listener = listener
	}

	scheme := "http"
	if s.cfg.HTTP.Secure {
		scheme = "https"
	}
	s.info.BaseURL = scheme + "://" + s.listener.Addr().String()
	return nil
}

func (s *Server) serve() {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if s.cfg.HTTP.Secure {
			err = s.httpServer.ServeTLS(s.listener, s.cfg.HTTP.CertPath, s.cfg.HTTP.KeyPath)
		} else {
			err = s.httpServer.Serve(s.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http listener failed", "error", err)
			// A dead listener on a serving instance is fatal; an orderly
			// stop already closed the server and lands here as ErrServerClosed.
			s.lc.failIn(err, StateStarted, StateReady)
		}
	}()
}

// mountDocs aggregates the installed routes and component fragments into
// the /api-docs document.
func (s *Server) mountDocs() {
	doc := openapi.Build(openapi.Info{
		Title:       "morrigan",
		Version:     s.version,
		Description: "Device management control plane",
	}, s.host.Routes(), s.host.Fragments())
	s.mux.Handle("GET /api-docs", openapi.Handler(doc))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	component.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": s.instanceID,
		"version":  s.version,
		"state":    string(s.State()),
	})
}
