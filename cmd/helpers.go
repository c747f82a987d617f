package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/pipeline"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/runstore"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

func loadRuleSet() (*config.RuleSet, error) {
	rs, err := config.LoadRules(cfg.Rules.Dir)
	if err != nil {
		return nil, eris.Wrap(err, "load rules")
	}
	return rs, nil
}

func initStore(ctx context.Context) (runstore.Store, error) {
	st, err := runstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open run store")
	}
	return st, nil
}

// initSolver builds the PowerTOST client and probes it once. An unavailable
// solver is not fatal; the pipeline degrades to the approximate formulas.
func initSolver(ctx context.Context) powertost.Client {
	runner := powertost.NewRunner(cfg.Solver.RscriptPath, cfg.Solver.ScriptPath,
		time.Duration(cfg.Solver.TimeoutSecs)*time.Second)

	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := runner.Health(probe); err != nil {
		zap.L().Warn("powertost solver unavailable, approximate formulas will be used", zap.Error(err))
	}
	return runner
}

func initPipeline(ctx context.Context) (*pipeline.Pipeline, powertost.Client, error) {
	rules, err := loadRuleSet()
	if err != nil {
		return nil, nil, err
	}
	solver := initSolver(ctx)
	return pipeline.New(cfg, rules, solver), solver, nil
}
