package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

var ErrUnknownCommand = errors.New("unknown command")

// Registry stores commands by name and dispatches CLI arguments to them.
type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds commands, replacing any with the same name.
func (r *Registry) Register(cmds ...Command) {
	for _, c := range cmds {
		r.commands[c.Name()] = c
	}
}

// Get returns the command with the given name, or nil.
func (r *Registry) Get(name string) Command {
	return r.commands[name]
}

// GetAll returns all registered commands, sorted by name.
func (r *Registry) GetAll() []Command {
	list := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Find matches the longest command name that prefixes args and returns the
// remaining arguments.
func (r *Registry) Find(args []string) (Command, []string) {
	for n := len(args); n > 0; n-- {
		if c, ok := r.commands[strings.Join(args[:n], " ")]; ok {
			return c, args[n:]
		}
	}
	return nil, args
}

// Dispatch parses flags for the matched command and runs it.
func (r *Registry) Dispatch(ctx context.Context, args []string, out io.Writer) error {
	c, rest := r.Find(args)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, strings.Join(args, " "))
	}

	var flags *pflag.FlagSet
	if fp, ok := Root(c).(FlagProvider); ok {
		flags = fp.Flags()
	} else {
		flags = pflag.NewFlagSet(c.Name(), pflag.ContinueOnError)
	}
	flags.SetOutput(out)
	if err := flags.Parse(rest); err != nil {
		return err
	}

	return c.Run(ctx, &Invocation{Args: flags.Args(), Flags: flags, Out: out})
}

// Usage writes a table of the registered commands.
func (r *Registry) Usage(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range r.GetAll() {
		fmt.Fprintf(tw, "  %s\t%s\n", c.Name(), c.Description())
	}
	tw.Flush()
}
