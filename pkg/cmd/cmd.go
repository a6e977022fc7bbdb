// Package cmd is the command core of the admin CLI: a command has a name,
// a description, optional flags and Run(ctx, invocation). Names may span
// several words ("bindings set"); the registry matches the longest one.
package cmd

import (
	"context"
	"io"

	"github.com/spf13/pflag"
)

// Invocation carries what a command runner passes to Run: the positional
// arguments left after flag parsing, the parsed flags and the output.
type Invocation struct {
	Args  []string
	Flags *pflag.FlagSet
	Out   io.Writer
}

// Command is identity plus execution.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

// FlagProvider is implemented by commands that take flags. The registry
// asks the root command, so wrapping keeps the flags.
type FlagProvider interface {
	Flags() *pflag.FlagSet
}

// Func builds a Command from plain functions.
type Func struct {
	Use      string
	Short    string
	NewFlags func() *pflag.FlagSet
	RunFunc  func(ctx context.Context, inv *Invocation) error
}

func (f *Func) Name() string        { return f.Use }
func (f *Func) Description() string { return f.Short }

func (f *Func) Run(ctx context.Context, inv *Invocation) error {
	return f.RunFunc(ctx, inv)
}

// Flags returns a fresh flag set, or an empty one when the command takes none.
func (f *Func) Flags() *pflag.FlagSet {
	if f.NewFlags != nil {
		return f.NewFlags()
	}
	return pflag.NewFlagSet(f.Use, pflag.ContinueOnError)
}
