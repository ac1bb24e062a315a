package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danshapiro/foresta/internal/config"
)

// Exit codes. A refused cycle (paused world, busy lock, day already logged)
// is not an error but is distinguishable from a completed day.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitRefused = 3
)

// cli carries the process surface so commands can run in-process in tests.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

func main() {
	c := &cli{stdout: os.Stdout, stderr: os.Stderr, loadConfig: config.Load}
	os.Exit(c.run(os.Args[1:]))
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, "usage:")
	fmt.Fprintln(c.stderr, "  foresta serve [--addr <host:port>] [--no-schedule]")
	fmt.Fprintln(c.stderr, "  foresta cycle run")
	fmt.Fprintln(c.stderr, "  foresta world status|pause|resume")
	fmt.Fprintln(c.stderr, "  foresta seed --glob <pattern> [--no-destiny]")
	fmt.Fprintln(c.stderr, "  foresta character create --name <name> --location <location> [--trait <trait>]... [--age <days>]")
	fmt.Fprintln(c.stderr, "  foresta character kill --name <name>")
	fmt.Fprintln(c.stderr, "  foresta character list")
	fmt.Fprintln(c.stderr, "  foresta journal [--limit <n>] [--day <n>]")
	fmt.Fprintln(c.stderr, "  foresta conversation begin --name <name> [--chat <id>]")
	fmt.Fprintln(c.stderr, "  foresta conversation end --name <name>")
}

func (c *cli) run(args []string) int {
	if len(args) < 1 {
		c.usage()
		return exitUsage
	}
	switch args[0] {
	case "serve":
		return c.serve(args[1:])
	case "cycle":
		if len(args) < 2 || args[1] != "run" {
			c.usage()
			return exitUsage
		}
		return c.cycleRun(args[2:])
	case "world":
		return c.worldCmd(args[1:])
	case "seed":
		return c.seed(args[1:])
	case "character":
		return c.character(args[1:])
	case "journal":
		return c.journal(args[1:])
	case "conversation":
		return c.conversation(args[1:])
	case "help", "-h", "--help":
		c.usage()
		return exitOK
	default:
		c.usage()
		return exitUsage
	}
}

// flagValue returns the value following args[*i] and advances i.
func (c *cli) flagValue(args []string, i *int) (string, bool) {
	name := args[*i]
	*i++
	if *i >= len(args) {
		fmt.Fprintf(c.stderr, "%s requires a value\n", name)
		return "", false
	}
	return args[*i], true
}

func (c *cli) unknownArg(arg string) int {
	fmt.Fprintf(c.stderr, "unknown arg: %s\n", arg)
	return exitUsage
}

func (c *cli) fail(err error) int {
	fmt.Fprintln(c.stderr, err)
	return exitFailure
}
