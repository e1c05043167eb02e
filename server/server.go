// Package server exposes Ensemble over HTTP and WebSocket: persona and
// workflow management, analysis execution, follow-up chat, and usage
// reporting. Execution progress is broadcast live to connected
// WebSocket clients.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/ai/tracker"
	"github.com/ensembleworks/ensemble/budget"
	"github.com/ensembleworks/ensemble/chat"
	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/persona"
	"github.com/ensembleworks/ensemble/workflow"
)

const (
	// MaxClients limits concurrent WebSocket connections
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for goroutines
	ShutdownTimeout = 10 * time.Second

	// DefaultMaxUploadBytes limits document uploads when not configured
	DefaultMaxUploadBytes = 10 * 1024 * 1024
)

// Server is the Ensemble HTTP and WebSocket server.
type Server struct {
	cfg    *config.Config
	db     *sql.DB
	logger *zap.SugaredLogger

	registry      *persona.Registry
	personaLoader *persona.FileLoader
	workflows     *workflow.Store
	engine        *workflow.Engine
	chat          *chat.Manager
	usage         *tracker.UsageTracker
	budgetTracker *budget.Tracker

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer     *http.Server
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
}

// New assembles a server from configuration and an open database.
func New(cfg *config.Config, database *sql.DB, logger *zap.SugaredLogger, verbosity int) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	registry, err := persona.NewRegistry(database, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize persona registry")
	}

	workflows := workflow.NewStore(database, logger)
	if err := workflows.EnsureTemplates(); err != nil {
		return nil, errors.Wrap(err, "failed to install workflow templates")
	}

	budgetTracker := budget.NewTracker(database, budget.Config{
		DailyBudgetUSD:   cfg.Workflow.DailyBudgetUSD,
		WeeklyBudgetUSD:  cfg.Workflow.WeeklyBudgetUSD,
		MonthlyBudgetUSD: cfg.Workflow.MonthlyBudgetUSD,
		CostPerStepUSD:   cfg.Workflow.CostPerStepUSD,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		db:            database,
		logger:        logger,
		registry:      registry,
		workflows:     workflows,
		usage:         tracker.NewUsageTracker(database, verbosity),
		budgetTracker: budgetTracker,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		ctx:           ctx,
		cancel:        cancel,
	}

	clients := workflow.NewClientFactory(cfg, database, verbosity)

	s.engine = workflow.NewEngine(workflow.EngineConfig{
		Registry:          registry,
		Store:             workflows,
		Budget:            budgetTracker,
		Clients:           clients,
		MaxContextBytes:   cfg.Workflow.MaxContextBytes,
		RequestsPerMinute: cfg.Workflow.RequestsPerMinute,
		Logger:            logger,
		OnEvent:           s.BroadcastEvent,
	})

	s.chat = chat.NewManager(chat.ManagerConfig{
		Store:       chat.NewStore(database),
		Analyses:    workflows,
		Registry:    registry,
		Clients:     clients,
		Temperature: cfg.Chat.Temperature,
		Model:       cfg.Chat.Model,
		Logger:      logger,
	})

	if cfg.Personas.File != "" {
		s.personaLoader = persona.NewFileLoader(cfg.Personas.File, registry, logger)
		if err := s.personaLoader.Start(); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "failed to load persona file %s", cfg.Personas.File)
		}
	}

	return s, nil
}

// ApplyConfig pushes reloadable settings from a freshly loaded config
// into the running server: spend limits and the persona file. Listen
// address, database, and provider selection still require a restart.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	if err := s.budgetTracker.UpdateDailyBudget(cfg.Workflow.DailyBudgetUSD); err != nil {
		return errors.Wrap(err, "failed to apply daily budget")
	}
	if err := s.budgetTracker.UpdateWeeklyBudget(cfg.Workflow.WeeklyBudgetUSD); err != nil {
		return errors.Wrap(err, "failed to apply weekly budget")
	}
	if err := s.budgetTracker.UpdateMonthlyBudget(cfg.Workflow.MonthlyBudgetUSD); err != nil {
		return errors.Wrap(err, "failed to apply monthly budget")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Personas.File != s.cfg.Personas.File {
		if s.personaLoader != nil {
			s.personaLoader.Stop()
			s.personaLoader = nil
		}
		if cfg.Personas.File != "" {
			loader := persona.NewFileLoader(cfg.Personas.File, s.registry, s.logger)
			if err := loader.Start(); err != nil {
				return errors.Wrapf(err, "failed to load persona file %s", cfg.Personas.File)
			}
			s.personaLoader = loader
		} else {
			s.registry.SetFilePersonas(nil)
		}
		s.cfg.Personas.File = cfg.Personas.File
	}

	s.logger.Infow("Applied reloaded configuration",
		"daily_budget_usd", cfg.Workflow.DailyBudgetUSD,
		"weekly_budget_usd", cfg.Workflow.WeeklyBudgetUSD,
		"monthly_budget_usd", cfg.Workflow.MonthlyBudgetUSD,
		"persona_file", cfg.Personas.File,
	)
	return nil
}

// Run processes client register/unregister requests. Blocks until the
// server context is cancelled.
func (s *Server) Run() {
	for {
		select {
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		total := len(s.clients)
		s.mu.Unlock()
		client.close()
		s.logger.Infow("Client disconnected",
			"client_id", client.id,
			"total_clients", total,
		)
		return
	}
	s.mu.Unlock()
}

// BroadcastEvent sends a workflow execution event to all connected
// clients. Slow clients are skipped rather than blocking execution.
func (s *Server) BroadcastEvent(event workflow.Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- event:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}

	s.logger.Debugw("Broadcasted workflow event",
		"type", event.Type,
		"analysis_id", event.AnalysisID,
		"step", event.Step,
		"clients", sent,
	)
}

// Start runs the HTTP server until it fails or Stop is called.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	port := s.cfg.Server.Port
	if port == 0 {
		port = config.DefaultServerPort
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", port),
		"addr", addr,
	)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server and cleans up resources.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown error", "error", err)
		}
	}

	// Close connections before cancelling the context so the pumps exit
	// cleanly.
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	for _, client := range clientsToClose {
		client.close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.mu.Lock()
	loader := s.personaLoader
	s.personaLoader = nil
	s.mu.Unlock()
	if loader != nil {
		loader.Stop()
	}

	s.logger.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}
