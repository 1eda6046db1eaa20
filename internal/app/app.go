// Package app wires the daemon together: config, logging, storage,
// the channel driver, the dispatch engine and the HTTP control server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wacast/internal/config"
	"wacast/internal/engine"
	"wacast/internal/server"
	"wacast/internal/storage"
	"wacast/internal/transport"
	"wacast/internal/transport/bridge"
	"wacast/internal/transport/telegram"
	"wacast/internal/vcache"
	logx "wacast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	cache   *vcache.Cache
	channel transport.Channel
	eng     *engine.Engine
	srv     *http.Server

	serveErr chan error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	stCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		store.Close()
		return nil, err
	}
	cache := vcache.New(store, cacheCfg, log.With(logx.String("comp", "vcache")))

	channel, err := newChannel(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy, err := cfg.PacingPolicy()
	if err != nil {
		store.Close()
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Store:     store,
		Cache:     cache,
		Sender:    channel,
		Validator: channel,
		Policy:    policy,
		Log:       log.With(logx.String("comp", "engine")),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(eng, log.With(logx.String("comp", "http"))).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfgm:     cfgm,
		logs:     logSvc,
		log:      log,
		store:    store,
		cache:    cache,
		channel:  channel,
		eng:      eng,
		srv:      srv,
		serveErr: make(chan error, 1),
	}, nil
}

func newChannel(cfg *config.Config, log logx.Logger) (transport.Channel, error) {
	switch cfg.Channel.Driver {
	case "", "bridge":
		timeout, err := config.ParseDurationOrDefault("channel.bridge.timeout", cfg.Channel.Bridge.Timeout, 60*time.Second)
		if err != nil {
			return nil, err
		}
		return bridge.New(bridge.Config{
			BaseURL:    cfg.Channel.Bridge.BaseURL,
			Timeout:    timeout,
			RatePerSec: cfg.Channel.Bridge.RatePerSec,
		}, log.With(logx.String("comp", "bridge"))), nil
	case "telegram":
		return telegram.New(telegram.Config{
			Token: cfg.Channel.Telegram.Token,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("channel.driver: unknown driver %q", cfg.Channel.Driver)
	}
}

// Start recovers persisted campaign state, then brings up the HTTP
// server and the config watcher. It returns once the daemon is serving.
func (a *App) Start(ctx context.Context) error {
	if err := a.eng.Recover(ctx); err != nil {
		return err
	}
	a.cache.Start()

	// Hot-reload: logging and cache settings apply live, everything
	// else (storage path, channel driver) needs a restart.
	a.cfgm.OnChange(func(cfg *config.Config) {
		a.logs.Apply(cfg.LogxConfig())
		a.log.Info("configuration reloaded")
	})
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	go func() {
		a.log.Info("http server listening", logx.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	}
	return nil
}

// ServeErr reports a fatal listener failure, if any.
func (a *App) ServeErr() <-chan error { return a.serveErr }

// Stop shuts the daemon down in dependency order: stop accepting
// requests, wind down the engine, then release storage and logging.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.eng.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.cache.Stop()
	if err := a.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
