// Parley is a conversational agent with long-term memory.
//
// It runs one agent turn per user message against the active model
// provider, executes the tools the model requests, and remembers what it
// learns about the user between conversations. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley init [dir]           Write an example config and persona
//	parley chat                 Chat on stdin/stdout
//	parley ask <question>       Ask a single question
//	parley clear <chat-id>      Forget a conversation's history
//	parley provider [id [model]] Show or switch the active provider
//	parley usage                Show token usage for the last day
//	parley version              Print version and build information
//	parley -o json version      Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected so
// the whole command lifecycle can be driven from tests. Logs go to
// stderr; replies and command output go to stdout.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	output     string
}

func (o *globalOptions) validate() error {
	if o.output != "text" && o.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", o.output)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational agent with long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		initCmd(),
		chatCmd(opts),
		askCmd(opts),
		clearCmd(opts),
		providerCmd(opts),
		usageCmd(opts),
		versionCmd(opts),
	)
	return root
}
