package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

func (c *cli) character(args []string) int {
	if len(args) < 1 {
		c.usage()
		return exitUsage
	}
	switch args[0] {
	case "create":
		return c.characterCreate(args[1:])
	case "kill":
		return c.characterKill(args[1:])
	case "list":
		if len(args) > 1 {
			return c.unknownArg(args[1])
		}
		return c.characterList()
	default:
		c.usage()
		return exitUsage
	}
}

func (c *cli) characterCreate(args []string) int {
	var name, location string
	var traits []string
	age := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			name = strings.TrimSpace(v)
		case "--location":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			location = strings.TrimSpace(v)
		case "--trait":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					traits = append(traits, t)
				}
			}
		case "--age":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintln(c.stderr, "--age must be a non-negative integer")
				return exitUsage
			}
			age = n
		default:
			return c.unknownArg(args[i])
		}
	}
	if name == "" || location == "" {
		c.usage()
		return exitUsage
	}

	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	if _, err := a.store.GetLocation(ctx, location); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.fail(fmt.Errorf("unknown location %q", location))
		}
		return c.fail(err)
	}
	ch := world.Character{
		ID:       ulid.Make().String(),
		Name:     name,
		Traits:   traits,
		Location: location,
		Age:      age,
		Alive:    true,
	}
	if err := a.store.CreateCharacter(ctx, ch); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return c.fail(fmt.Errorf("a character named %q already exists", name))
		}
		return c.fail(err)
	}
	fmt.Fprintf(c.stdout, "created %s (%s) at %s\n", ch.Name, ch.ID, ch.Location)

	if a.storyteller == nil {
		fmt.Fprintln(c.stdout, "no storyteller configured; destiny left unwoven")
		return exitOK
	}
	if _, err := a.destinies.Create(ctx, ch); err != nil {
		a.logger.Printf("destiny for %s: %v", ch.Name, err)
		fmt.Fprintln(c.stdout, "destiny could not be woven")
		return exitOK
	}
	fmt.Fprintln(c.stdout, "destiny woven")
	return exitOK
}

func (c *cli) characterKill(args []string) int {
	var name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			name = strings.TrimSpace(v)
		default:
			return c.unknownArg(args[i])
		}
	}
	if name == "" {
		c.usage()
		return exitUsage
	}

	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	ch, err := a.store.GetCharacterByName(ctx, name)
	if err != nil {
		return c.fail(fmt.Errorf("character %q: %w", name, err))
	}
	if err := a.store.KillCharacter(ctx, ch.ID); err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(c.stdout, "%s has died\n", ch.Name)
	return exitOK
}

func (c *cli) characterList() int {
	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	chars, err := a.store.ListLivingCharacters(ctx)
	if err != nil {
		return c.fail(err)
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLOCATION\tAGE\tTRAITS\tTALKING")
	for _, ch := range chars {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", ch.Name, ch.Location, ch.Age, strings.Join(ch.Traits, ","), ch.InConversation)
	}
	if err := tw.Flush(); err != nil {
		return c.fail(err)
	}
	return exitOK
}

func (c *cli) conversation(args []string) int {
	if len(args) < 1 || (args[0] != "begin" && args[0] != "end") {
		c.usage()
		return exitUsage
	}
	verb := args[0]
	var name, chatID string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--name":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			name = strings.TrimSpace(v)
		case "--chat":
			v, ok := c.flagValue(args, &i)
			if !ok {
				return exitUsage
			}
			chatID = strings.TrimSpace(v)
		default:
			return c.unknownArg(args[i])
		}
	}
	if name == "" {
		c.usage()
		return exitUsage
	}

	ctx := context.Background()
	a, err := c.open(ctx)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	ch, err := a.store.GetCharacterByName(ctx, name)
	if err != nil {
		return c.fail(fmt.Errorf("character %q: %w", name, err))
	}
	if verb == "end" {
		if err := a.tracker.End(ctx, ch.ID); err != nil {
			return c.fail(err)
		}
		fmt.Fprintf(c.stdout, "%s is free again\n", ch.Name)
		return exitOK
	}
	if chatID == "" {
		chatID = "cli"
	}
	if _, err := a.tracker.Begin(ctx, ch.ID, chatID); err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(c.stdout, "%s is now in conversation\n", ch.Name)
	return exitOK
}
