package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Usage       string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out io.Writer
}

// NewRootCommand creates the permctl root command bound to app
func NewRootCommand(app *App) *Command {
	root := &Command{
		Name:        "permctl",
		Description: "permctl - administer roles, permissions and user overrides",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("permctl", flag.ContinueOnError),
		out:         app.Out,
	}
	app.bindFlags(root.Flags)

	for _, cmd := range []*Command{
		newMigrateCommand(app),
		newSeedCommand(app),
		newGrantCommand(app),
		newDenyCommand(app),
		newClearCommand(app),
		newResetCommand(app),
		newAssignCommand(app),
		newCanCommand(app),
		newEffectiveCommand(app),
		newWhoCanCommand(app),
		newFlushCommand(app),
		newStatsCommand(app),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute parses the global flags in args and runs the named subcommand
func (c *Command) Execute(ctx context.Context, args []string) error {
	c.Flags.SetOutput(io.Discard)
	if err := c.Flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return c.usage()
		}
		return err
	}
	args = c.Flags.Args()

	if len(args) == 0 {
		return c.usage()
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	out := c.out
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := c.Subcommands[name]
		fmt.Fprintf(out, "  %-10s %-28s %s\n", name, cmd.Usage, cmd.Description)
	}

	fmt.Fprintf(out, "\nFlags:\n")
	c.Flags.SetOutput(out)
	c.Flags.PrintDefaults()
	return nil
}
