package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matt-riley/flagkit"
	"github.com/matt-riley/flagkit/internal/config"
)

// report summarizes one pass of the demo.
type report struct {
	Decision      flagkit.FlagDecision
	Variable      flagkit.Value
	Tracked       map[string]bool
	AttributeErr  error
	AfterDecision flagkit.FlagDecision
}

// runDemo initializes client and exercises evaluation, tracking and
// attributes for one user. Only initialization failures are returned;
// per-call errors are logged and reported.
func runDemo(ctx context.Context, client *flagkit.Client, cfg config.Config, log *slog.Logger) (report, error) {
	client.OnInit(flagkit.InitListenerFuncs{
		Ready:  func(*flagkit.Client) { log.Info("init listener: ready") },
		Failed: func(err error) { log.Warn("init listener: failed", "error", err) },
	})

	client.Init(flagkit.Config{SDKKey: cfg.SDKKey, AccountID: cfg.AccountID})

	waitCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()
	if err := client.WaitReady(waitCtx); err != nil {
		return report{}, fmt.Errorf("initialize client: %w", err)
	}

	demo := cfg.Demo
	uc := flagkit.NewUserContext(demo.UserID, nil)
	if demo.UserID == "" {
		uc.WithDeviceIDFallback()
	}

	var r report
	decision, err := client.Evaluate(ctx, demo.Flag, uc)
	if err != nil {
		log.Warn("evaluation failed", "flag", demo.Flag, "error", err)
	}
	r.Decision = decision
	r.Variable = flagkit.VariableValue(decision, demo.Variable, flagkit.String("default"))
	log.Info("flag evaluated",
		"flag", demo.Flag,
		"enabled", decision.Enabled,
		"user_id", decision.SourceContextID,
		"variable", demo.Variable,
		"value", r.Variable.String(),
	)
	for _, variable := range client.Variables(demo.Flag) {
		log.Debug("flag variable", "flag", demo.Flag, "name", variable.Name, "value", variable.Value.String())
	}

	done := make(chan struct{})
	client.EvaluateAsync(demo.Flag, uc, func(decision flagkit.FlagDecision, err error) {
		defer close(done)
		if err != nil {
			log.Warn("async evaluation failed", "flag", demo.Flag, "error", err)
			return
		}
		log.Info("async evaluation", "flag", demo.Flag, "enabled", decision.Enabled)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return r, ctx.Err()
	}

	r.Tracked, err = client.Track(ctx, demo.Event, uc, map[string]any{
		"cartvalue": 120,
		"currency":  "EUR",
	})
	if err != nil {
		log.Warn("tracking failed", "event", demo.Event, "error", err)
	}
	log.Info("event tracked", "event", demo.Event, "results", r.Tracked)

	r.AttributeErr = client.SetAttribute(ctx, demo.AttributeKey, demo.AttributeValue, uc)
	if r.AttributeErr != nil {
		log.Warn("attribute update failed", "key", demo.AttributeKey, "error", r.AttributeErr)
	} else {
		log.Info("attribute set", "key", demo.AttributeKey, "value", demo.AttributeValue)
	}

	r.AfterDecision, err = client.Evaluate(ctx, demo.Flag, uc)
	if err != nil {
		log.Warn("evaluation failed", "flag", demo.Flag, "error", err)
	}
	log.Info("flag re-evaluated", "flag", demo.Flag, "enabled", r.AfterDecision.Enabled)

	return r, nil
}
