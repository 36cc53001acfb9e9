package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/config"
	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/logging"
	"github.com/clubroll/clubroll/internal/remote"
	"github.com/clubroll/clubroll/internal/remote/rest"
	clubsync "github.com/clubroll/clubroll/internal/sync"
)

var errNoRemote = errors.New("no backend configured (set remote.url and auth.token_url)")

// backend builds the identity provider and remote store. Tests replace it.
var backend = func(a *app) (auth.Provider, remote.Store, error) {
	if !a.cfg.RemoteConfigured() {
		return nil, nil, errNoRemote
	}
	provider := auth.NewOAuthProvider(auth.OAuthConfig{
		ClientID:     a.cfg.Auth.ClientID,
		ClientSecret: a.cfg.Auth.ClientSecret,
		TokenURL:     a.cfg.Auth.TokenURL,
		RevokeURL:    a.cfg.Auth.RevokeURL,
		Logger:       a.logger,
	}, a.store)
	rs, err := rest.New(rest.Config{
		BaseURL: a.cfg.Remote.URL,
		APIKey:  a.cfg.Remote.APIKey,
		Token:   func(ctx context.Context) (string, error) { return a.auth.AccessToken(ctx) },
		Logger:  a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return provider, rs, nil
}

// app holds what a command needs: configuration, logger and the open store.
// The backend is built on first use.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
	store     *localstore.Store

	auth   *auth.Cache
	remote remote.Store
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.DB.Path = dbOverride
	}

	logger, closer := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	store, err := localstore.Open(ctx, cfg.DB.Path, &localstore.Options{Logger: logger})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	if n, err := store.MigrateLegacyKeys(ctx); err != nil {
		logger.WithError(err).Warn("Warning: failed to migrate legacy keys")
	} else if n > 0 {
		logger.WithField("keys", n).Info("Migrated legacy keys")
	}

	return &app{cfg: cfg, logger: logger, logCloser: closer, store: store}, nil
}

// connect builds the session cache and remote store.
func (a *app) connect() error {
	if a.auth != nil {
		return nil
	}
	provider, rs, err := backend(a)
	if err != nil {
		return err
	}
	a.auth = auth.NewCache(provider, &auth.Config{Logger: a.logger})
	a.remote = rs
	return nil
}

// engine builds a reconciliation engine over the store and backend.
func (a *app) engine() (*clubsync.Engine, error) {
	if err := a.connect(); err != nil {
		return nil, err
	}
	return clubsync.New(a.store, a.remote, a.auth, &clubsync.Config{
		MinInterval:   a.cfg.Sync.MinInterval,
		Interval:      a.cfg.Sync.Interval,
		RemoteTimeout: a.cfg.Sync.RemoteTimeout,
		Logger:        a.logger,
	})
}

func (a *app) Close() error {
	err := a.store.Close()
	_ = a.logCloser.Close()
	return err
}
