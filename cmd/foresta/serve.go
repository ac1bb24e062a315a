package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danshapiro/foresta/internal/orchestrator"
	"github.com/danshapiro/foresta/internal/server"
)

func (c *cli) serve(args []string) int {
	addr := ""
	schedule := true
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			addr = v
		case "--no-schedule":
			schedule = false
		default:
			return c.unknownArg(args[i])
		}
	}

	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()
	if addr == "" {
		addr = a.cfg.HTTPAddr
	}
	if a.cfg.TriggerSecret == "" {
		a.logger.Printf("FORESTA_TRIGGER_SECRET is not set; POST endpoints are disabled")
	}

	srv := server.New(server.Config{
		Addr:   addr,
		Secret: a.cfg.TriggerSecret,
		Store:  a.store,
		Logger: a.logger,
		Run: func(ctx context.Context, sink func(map[string]any)) (*orchestrator.Result, error) {
			return a.orch.WithProgress(sink).RunCycle(ctx)
		},
	})
	if schedule {
		a.logger.Printf("scheduling a cycle every %s", a.cfg.CycleInterval)
		srv.Schedule(a.cfg.CycleInterval)
	}
	if err := srv.ListenAndServe(); err != nil {
		return c.fail(err)
	}
	return exitOK
}

func (c *cli) cycleRun(args []string) int {
	if len(args) > 0 {
		return c.unknownArg(args[0])
	}
	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	res, err := a.orch.RunCycle(ctx)
	if err != nil {
		return c.fail(err)
	}
	if code := c.printJSON(res); code != exitOK {
		return code
	}
	switch {
	case res.Success:
		return exitOK
	case res.State == orchestrator.StateFailed:
		return exitFailure
	default:
		return exitRefused
	}
}

func (c *cli) printJSON(v any) int {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return c.fail(fmt.Errorf("encode output: %w", err))
	}
	return exitOK
}
