package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fentz26/conduit/internal/audit"
	"github.com/fentz26/conduit/internal/cache"
	"github.com/fentz26/conduit/internal/config"
	"github.com/fentz26/conduit/internal/connectors/localexec"
	"github.com/fentz26/conduit/internal/engine"
	"github.com/fentz26/conduit/internal/executor"
	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/pipeline"
	"github.com/fentz26/conduit/internal/scheduler"
	"github.com/fentz26/conduit/internal/secrets"
	"github.com/fentz26/conduit/internal/store"
)

// stack bundles the components built from the config.
type stack struct {
	defs   []*pipeline.Definition
	engine *engine.Engine
	store  *store.Store
}

func (r *stack) Close() {
	if r.store != nil {
		r.store.Close()
	}
}

// buildStack loads the pipelines and wires the engine. st backs the sqlite
// cache and, when archive is set, records runs and decisions. It may be nil
// when neither is wanted.
func buildStack(ctx context.Context, c *config.Config, st *store.Store, archive bool, onStep func(string, string, models.StepOutcome)) (*stack, error) {
	defs, err := pipeline.LoadDir(c.Pipelines)
	if err != nil {
		return nil, err
	}

	cacheStore, err := openCacheStore(ctx, c.Cache, st)
	if err != nil {
		return nil, err
	}
	provider, err := openSecrets(c.Secrets)
	if err != nil {
		return nil, err
	}

	workspace, err := filepath.Abs(c.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	conn := localexec.New(localexec.Options{
		WorkDir:   workspace,
		Shell:     c.Exec.Shell,
		Allowlist: c.Exec.Allowlist,
		Actions:   c.Exec.Actions,
	})

	exec := executor.New(executor.Options{
		Connector:         conn,
		Cache:             cache.NewResolver(cacheStore, logger),
		Secrets:           provider,
		Workspace:         workspace,
		MaxParallelJobs:   c.MaxParallelJobs,
		DefaultJobTimeout: c.JobTimeout,
		Logger:            logger,
		OnStep:            onStep,
	})

	opts := engine.Options{
		Definitions: defs,
		Executor:    exec,
		Slots:       scheduler.New(&c.Slots, logger),
		Logger:      logger,
	}
	if st != nil && archive {
		opts.Archive = st
		opts.Audit = audit.NewPDRWriter(st)
	}
	e, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	return &stack{defs: defs, engine: e, store: st}, nil
}

func openCacheStore(ctx context.Context, c config.CacheConfig, st *store.Store) (cache.Store, error) {
	switch c.Backend {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "s3":
		return cache.NewS3Store(ctx, c.Bucket, c.Prefix, c.Region)
	case "sqlite", "":
		if st == nil {
			return nil, fmt.Errorf("cache backend sqlite needs a database")
		}
		return st.Cache(), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", c.Backend)
}

func openSecrets(c config.SecretsConfig) (secrets.Provider, error) {
	switch c.Backend {
	case "env", "":
		return secrets.Env{Prefix: c.Prefix}, nil
	case "age":
		return &secrets.AgeFile{Path: c.File, IdentityPath: c.Identity}, nil
	}
	return nil, fmt.Errorf("unknown secrets backend %q", c.Backend)
}
