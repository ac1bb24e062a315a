package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danshapiro/foresta/internal/seed"
	"github.com/danshapiro/foresta/internal/world"
)

func (c *cli) worldCmd(args []string) int {
	if len(args) != 1 {
		c.usage()
		return exitUsage
	}
	ctx := context.Background()
	switch args[0] {
	case "status":
		a, err := c.open(ctx)
		if err != nil {
			return c.fail(err)
		}
		defer a.Close()
		w, err := a.store.GetWorld(ctx)
		if err != nil {
			return c.fail(err)
		}
		living, err := a.store.ListLivingCharacters(ctx)
		if err != nil {
			return c.fail(err)
		}
		last := "never"
		if w.LastCycleAt != nil {
			last = w.LastCycleAt.Format(time.RFC3339)
		}
		fmt.Fprintf(c.stdout, "day=%d paused=%t last_cycle=%s living=%d\n", w.Day, w.Paused, last, len(living))
		return exitOK
	case "pause", "resume":
		a, err := c.open(ctx)
		if err != nil {
			return c.fail(err)
		}
		defer a.Close()
		paused := args[0] == "pause"
		if err := a.store.SetPaused(ctx, paused); err != nil {
			return c.fail(err)
		}
		fmt.Fprintf(c.stdout, "paused=%t\n", paused)
		return exitOK
	default:
		c.usage()
		return exitUsage
	}
}

func (c *cli) seed(args []string) int {
	var pattern string
	withDestiny := true
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--glob":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			pattern = v
		case "--no-destiny":
			withDestiny = false
		default:
			return c.unknownArg(args[i])
		}
	}
	if pattern == "" {
		c.usage()
		return exitUsage
	}

	f, paths, err := seed.Load(pattern)
	if err != nil {
		return c.fail(err)
	}
	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	opts := seed.Options{Logger: a.logger}
	if withDestiny && a.storyteller != nil {
		opts.Destinies = a.destinies
	}
	a.logger.Printf("seeding from %d file(s)", len(paths))
	rep, err := seed.Apply(ctx, a.store, f, opts)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(rep)
}

func (c *cli) journal(args []string) int {
	limit := 10
	day := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit", "--day":
			name := args[i]
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				fmt.Fprintf(c.stderr, "%s must be a positive integer\n", name)
				return exitUsage
			}
			if name == "--limit" {
				limit = n
			} else {
				day = n
			}
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

	if day > 0 {
		entry, err := a.store.GetJournal(ctx, day)
		if err != nil {
			return c.fail(fmt.Errorf("journal day %d: %w", day, err))
		}
		return c.printJSON(entry)
	}
	entries, err := a.store.ListJournal(ctx, limit)
	if err != nil {
		return c.fail(err)
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tMODE\tSUMMARY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Day, mode(e), oneLine(e.Summary))
	}
	if err := tw.Flush(); err != nil {
		return c.fail(err)
	}
	return exitOK
}

func mode(e world.JournalEntry) string {
	if e.Degraded {
		return "degraded"
	}
	return "normal"
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 100 {
		return string(r[:97]) + "..."
	}
	return s
}
