package main

import (
	"fmt"
	"os"
	"path/filepath"

	"blockci/internal/container"
	"blockci/internal/core"
	"blockci/internal/ledger"
	"blockci/internal/publish"
	"blockci/internal/security"
	"blockci/internal/storage"
)

// builder returns the container CLI selected by the builder setting, or nil
// when none is configured or available.
func (a *app) builder() *container.CLI {
	var b container.Builder
	switch a.cfg.Builder {
	case "none":
		return nil
	case "auto":
		b = container.Detect()
	default:
		b = container.Get(a.cfg.Builder)
	}
	cli, _ := b.(*container.CLI)
	return cli
}

// kinds registers the build and publish stage kinds. history may be nil.
func kinds(cli *container.CLI, history publish.History) core.Kinds {
	var b container.Builder
	var reg publish.Registry
	if cli != nil {
		b = cli
		reg = container.NewRegistry(cli)
	}
	return core.NewKinds().
		Register(core.KindBuild, core.BuildKind(b)).
		Register(core.KindPublish, publish.Kind(reg, history))
}

// loadPipeline parses and compiles the configured pipeline file.
func (a *app) loadPipeline(k core.Kinds) (*core.Pipeline, *core.Graph, error) {
	p, err := core.LoadPipeline(a.cfg.Pipeline)
	if err != nil {
		return nil, nil, err
	}
	g, err := core.Compile(p, k)
	if err != nil {
		return nil, nil, err
	}
	return p, g, nil
}

// openLedger opens the run ledger under the data directory, signing new
// records when signing is enabled.
func (a *app) openLedger() (*ledger.Ledger, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	var signer *security.Signer
	if a.cfg.Sign {
		s, created, err := security.EnsureSigner(a.cfg.KeysDir())
		if err != nil {
			return nil, fmt.Errorf("loading ledger keys: %w", err)
		}
		if created {
			a.logger.Info("generated ledger signing keys", "dir", a.cfg.KeysDir())
		}
		signer = s
	}
	return ledger.Open(a.cfg.LedgerPath(), signer)
}

// newRunner builds a Runner for p. Pipeline limits take precedence over
// configured ones.
func (a *app) newRunner(p *core.Pipeline, l *ledger.Ledger) *core.Runner {
	r := core.NewRunner(core.NewExecutor())
	r.Logger = a.logger
	r.LogStorage = storage.NewLogStorage(a.cfg.LogsDir())
	r.Ledger = l
	r.Concurrency = a.cfg.Concurrency
	r.StageTimeout = a.cfg.StageTimeout
	if p.Concurrency > 0 {
		r.Concurrency = p.Concurrency
	}
	if p.StageTimeout > 0 {
		r.StageTimeout = p.StageTimeout.Duration()
	}
	r.On(core.LogEvents(a.logger))
	return r
}

func (a *app) contextOptions() (core.ContextOptions, error) {
	wd, err := filepath.Abs(a.cfg.WorkDir)
	if err != nil {
		return core.ContextOptions{}, fmt.Errorf("resolving working directory: %w", err)
	}
	return core.ContextOptions{
		WorkDir: wd,
		Secrets: security.EnvSecrets{Prefix: a.cfg.SecretPrefix},
	}, nil
}
