package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/cache"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/config"
	"github.com/jingkaihe/agentry/pkg/lifecycle"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/tiers"
	"github.com/jingkaihe/agentry/pkg/tracker"
)

// app is the wired set of components every command works against.
type app struct {
	cfg      config.Config
	startDir string

	cache       *cache.Store
	resolver    *tiers.Resolver
	classifier  *classifier.Classifier
	discoverer  *agents.Discoverer
	registry    *agents.Registry
	history     *tracker.Store
	tracker     *tracker.Tracker
	persistence *persistence.Service
	lifecycle   *lifecycle.Manager
}

// newApp builds the components from the loaded configuration. The tracker
// is created but not started; only watch and serve start it.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.FromViper()
	if err != nil {
		return nil, err
	}

	startDir := viper.GetString("dir")
	if startDir == "" {
		if startDir, err = os.Getwd(); err != nil {
			return nil, errors.Wrap(err, "failed to get current working directory")
		}
	}

	a := &app{cfg: cfg, startDir: startDir}

	a.cache = cache.New(
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithMaxMemory(cfg.Cache.MaxMemoryBytes),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithJanitor(cfg.Cache.JanitorInterval),
	)

	tierOpts := []tiers.Option{
		tiers.WithAgentDirName(cfg.Tiers.AgentDirName),
		tiers.WithUserDir(cfg.Tiers.UserDir),
	}
	if cfg.Tiers.SystemDir != "" {
		tierOpts = append(tierOpts, tiers.WithSystemDir(cfg.Tiers.SystemDir))
	}
	if a.resolver, err = tiers.NewResolver(tierOpts...); err != nil {
		a.Close()
		return nil, err
	}

	if a.classifier, err = classifier.New(classifier.ConfigFrom(cfg.Classifier),
		classifier.WithExtraPatterns(cfg.Classifier.ExtraPatterns)); err != nil {
		a.Close()
		return nil, err
	}

	if a.discoverer, err = agents.NewDiscoverer(
		agents.WithPatterns(cfg.Discovery.Patterns...),
		agents.WithExclude(cfg.Discovery.Exclude...),
		agents.WithReadTimeout(cfg.Discovery.ReadTimeout),
	); err != nil {
		a.Close()
		return nil, err
	}

	if a.registry, err = agents.NewRegistry(a.resolver, a.classifier,
		agents.WithCache(a.cache),
		agents.WithStartDir(startDir),
		agents.WithSnapshotTTL(cfg.Discovery.SnapshotTTL),
		agents.WithDiscoverer(a.discoverer),
	); err != nil {
		a.Close()
		return nil, err
	}

	persistOpts := append(persistence.OptionsFromConfig(cfg.Persistence), persistence.WithStartDir(startDir))
	var managerOpts []lifecycle.Option

	if cfg.Tracker.Enabled {
		if a.history, err = tracker.OpenStore(ctx, cfg.Tracker.DBPath); err != nil {
			a.Close()
			return nil, err
		}
		trackerOpts := append(tracker.OptionsFromConfig(cfg.Tracker), tracker.WithInvalidator(a.registry))
		if a.tracker, err = tracker.New(a.history, a.classifier, a.discoverer, trackerOpts...); err != nil {
			a.Close()
			return nil, err
		}
		persistOpts = append(persistOpts, persistence.WithExpecter(a.tracker))
		managerOpts = append(managerOpts, lifecycle.WithRecorder(a.tracker))
	}

	if a.persistence, err = persistence.New(a.resolver, a.discoverer, a.classifier, persistOpts...); err != nil {
		a.Close()
		return nil, err
	}
	if a.lifecycle, err = lifecycle.New(a.registry, a.persistence, managerOpts...); err != nil {
		a.Close()
		return nil, err
	}
	if a.tracker != nil {
		a.tracker.OnModification(a.lifecycle.Observe)
	}

	logger.G(ctx).WithField("dir", startDir).WithField("tracking", cfg.Tracker.Enabled).Debug("components ready")
	return a, nil
}

// requireTracker fails when modification tracking is disabled.
func (a *app) requireTracker() error {
	if a.tracker == nil {
		return errors.New("modification tracking is disabled (tracker.enabled=false)")
	}
	return nil
}

// Close stops the tracker and releases the database and cache.
func (a *app) Close() {
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.G(context.Background()).WithError(err).Warn("failed to close modification history")
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

// mustApp builds the app or exits with an error, matching the other
// commands' failure handling.
func mustApp(ctx context.Context) *app {
	a, err := newApp(ctx)
	if err != nil {
		fail(err, "failed to initialize agentry")
	}
	return a
}
