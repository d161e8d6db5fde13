// Package app provides the dependency injection container for deckhand.
package app

import (
	"fmt"

	"github.com/ktsuji/deckhand/internal/domain"
	"github.com/ktsuji/deckhand/internal/guardian"
	"github.com/ktsuji/deckhand/internal/infra/config"
	"github.com/ktsuji/deckhand/internal/infra/kanboard"
	"github.com/ktsuji/deckhand/internal/infra/logging"
	"github.com/ktsuji/deckhand/internal/infra/notify"
	"github.com/ktsuji/deckhand/internal/infra/runstore"
	"github.com/ktsuji/deckhand/internal/infra/spawner"
	"github.com/ktsuji/deckhand/internal/infra/statestore"
	"github.com/ktsuji/deckhand/internal/infra/ticklock"
	"github.com/ktsuji/deckhand/internal/reconcile"
)

// Container holds every port implementation, wired once at startup.
type Container struct {
	Config   *domain.Config
	Board    domain.Board
	Store    domain.StateStore
	Lock     domain.TickLock
	Registry domain.RunRegistry
	Spawner  domain.Spawner
	Notifier domain.Notifier
	Logger   *logging.Logger
	Clock    domain.Clock
	Version  string
}

// New loads configuration from dir and wires the container. Configuration
// is not validated here; commands that mutate the world call Validate
// themselves so read-only commands work with partial config.
func New(dir, version string) (*Container, error) {
	cfg, err := config.NewLoader(dir).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.StateRoot, logging.ParseLevel(cfg.Log.Level))
	clock := domain.RealClock{}

	lock, err := ticklock.New(cfg.LockStrategy, cfg.EffectiveLockPath(), clock)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:   cfg,
		Board:    kanboard.New(cfg.Board, logger),
		Store:    statestore.New(cfg.StatePath(), logger),
		Lock:     lock,
		Registry: runstore.New(cfg.RunsRoot, clock),
		Spawner: spawner.New(spawner.Commands{
			Worker:   cfg.Spawn.WorkerCmd,
			Reviewer: cfg.Spawn.ReviewerCmd,
			Docs:     cfg.Spawn.DocsCmd,
		}, cfg.Spawn.HandshakeMs, logger),
		Notifier: notify.New(cfg.Notify, logger),
		Logger:   logger,
		Clock:    clock,
		Version:  version,
	}, nil
}

// Reconciler builds the tick reconciler from the container's ports.
func (c *Container) Reconciler() *reconcile.Reconciler {
	return reconcile.New(c.Config, c.Board, c.Store, c.Lock, c.Registry,
		c.Spawner, c.Notifier, c.Logger, c.Clock, c.Version)
}

// Guardian builds the heartbeat watcher from the container's ports.
func (c *Container) Guardian() *guardian.Guardian {
	return guardian.New(c.Config.EffectiveHeartbeatPath(), c.Config.TickSeconds,
		c.Config.Guardian, c.Clock, c.Logger, c.Notifier)
}

// Close releases held resources.
func (c *Container) Close() error {
	if c.Logger != nil {
		return c.Logger.Close()
	}
	return nil
}
