package main

import (
	"fmt"
	"os"

	"github.com/ShayCichocki/crucible/internal/backend"
	"github.com/ShayCichocki/crucible/internal/config"
	"github.com/ShayCichocki/crucible/internal/escalate"
	"github.com/ShayCichocki/crucible/internal/gateway"
	"github.com/ShayCichocki/crucible/internal/pipeline"
	"github.com/ShayCichocki/crucible/internal/refine"
	"github.com/ShayCichocki/crucible/internal/router"
	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/internal/validation"
	"github.com/ShayCichocki/crucible/internal/version"
	"github.com/ShayCichocki/crucible/pkg/models"
)

// openExistingDB opens the project database if one exists, falling
// back to the global database. Used by read-side commands that should
// not create a fresh store.
func openExistingDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no crucible database found; run 'crucible run' first")
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// openProjectDB opens or creates the project-local database.
func openProjectDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	db, err := state.OpenProject(cwd)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// buildGateway assembles the provider gateway from configuration,
// registering the Anthropic backend.
func buildGateway(cfg *config.Config) (*gateway.Gateway, error) {
	anthropicBackend, err := backend.New(backend.ClientConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create anthropic backend: %w", err)
	}

	tierProviders := make(map[models.Tier][]string, len(cfg.Gateway.ProvidersByTier))
	for name, providers := range cfg.Gateway.ProvidersByTier {
		tierProviders[models.ParseTier(name)] = providers
	}

	retry := gateway.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Gateway.RetryAttempts
	retry.InitialBackoff = cfg.Gateway.RetryInitialInterval
	retry.MaxBackoff = cfg.Gateway.RetryMaxInterval

	gw := gateway.New(gateway.Config{
		TierProviders: tierProviders,
		Breaker: gateway.BreakerConfig{
			FailureThreshold: cfg.Gateway.FailureThreshold,
			RecoveryTimeout:  cfg.Gateway.RecoveryTimeout,
		},
		Retry: retry,
	}, gateway.NewUsageMeter(nil))
	gw.Register(anthropicBackend)
	return gw, nil
}

// loadVersionGraph rebuilds the in-memory version graph from the
// persisted capsule versions and branch heads.
func loadVersionGraph(db *state.DB) (*version.Store, error) {
	heads, err := db.ListBranchHeads()
	if err != nil {
		return nil, fmt.Errorf("list branch heads: %w", err)
	}

	var all []*models.CapsuleVersion
	for branch := range heads {
		versions, err := db.ListVersionsByBranch(branch)
		if err != nil {
			return nil, fmt.Errorf("load versions for branch %s: %w", branch, err)
		}
		all = append(all, versions...)
	}

	vs := version.NewStore()
	if err := vs.Restore(all, heads); err != nil {
		return nil, fmt.Errorf("restore version graph: %w", err)
	}
	return vs, nil
}

// buildPipeline wires the full pipeline from configuration and an open
// database. The returned gate must be resolved or swept by the caller.
func buildPipeline(cfg *config.Config, db *state.DB) (*pipeline.Pipeline, *escalate.Gate, *gateway.Gateway, error) {
	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	routerCfg := router.DefaultConfig()
	routerCfg.QuickMax = cfg.Router.QuickMax
	routerCfg.ScoutMax = cfg.Router.ScoutMax
	routerCfg.BuilderMax = cfg.Router.BuilderMax
	if err := routerCfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("router config: %w", err)
	}

	validator := validation.New(validation.DefaultCheckers(), validation.DefaultWeights())

	refiner := refine.New(gw, validator, refine.Config{
		MaxAttempts:     cfg.Refinement.MaxAttempts,
		AcceptThreshold: cfg.Thresholds.Accept,
		DecayFactor:     cfg.Refinement.DecayFactor,
	})

	gate := escalate.NewGate(db, cfg.Escalation.TTL)

	versions, err := loadVersionGraph(db)
	if err != nil {
		return nil, nil, nil, err
	}

	tierModels := make(map[models.Tier]string)
	for _, tier := range []models.Tier{models.TierQuick, models.TierScout, models.TierBuilder, models.TierArchitect} {
		tierModels[tier] = cfg.Models.ModelForTier(tier.String())
	}

	p := pipeline.New(router.New(routerCfg), gw, validator, refiner, gate, db, versions, nil, pipeline.Config{
		AcceptThreshold: cfg.Thresholds.Accept,
		RefineThreshold: cfg.Thresholds.Refine,
		MaxWorkers:      cfg.Concurrency.MaxConcurrentTasks,
		TierModels:      tierModels,
	})
	return p, gate, gw, nil
}
