package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/takgate/pkg/config"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// Env is what every command runs against
type Env struct {
	// Out receives command results; progress goes to Logger
	Out    io.Writer
	Logger *logrus.Logger
	// Config is the gateway configuration read from TAKGATE_* variables
	Config *config.Config
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "takctl",
		Description: "takctl - gateway token, credential and identity administration",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("takctl", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newMintResourceCommand(),
		newInspectCommand(),
		newCredStatusCommand(),
		newWhoisCommand(),
		newServiceAccountCommand(),
		newAuditCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 || isHelp(args[0]) {
		return c.usage(env.Out)
	}

	subcmd, ok := c.Subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if len(subcmd.Subcommands) > 0 {
		return subcmd.Execute(ctx, env, args[1:])
	}
	return subcmd.Run(ctx, env, args[1:])
}

// usage prints the command usage
func (c *Command) usage(out io.Writer) error {
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-16s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func isHelp(arg string) bool {
	switch strings.ToLower(arg) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

// newFlags creates a flag set that reports errors instead of exiting
func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
