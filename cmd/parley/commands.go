package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/usage"
)

// askChatID is the conversation used by one-shot questions. Its history
// lives in memory only.
const askChatID = "cli-ask"

func chatCmd(opts *globalOptions) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent on stdin/stdout",
		Long: `Chat with the agent one line at a time. History is kept in the
configured conversation store, so a later session with the same
--chat-id picks up where this one left off.

In-chat commands:
  /clear   forget this conversation's history
  /quit    leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			loop, err := a.newLoop(ctx, nil)
			if err != nil {
				return err
			}

			return chatSession(ctx, loop, chatID, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
		},
	}

	cmd.Flags().StringVar(&chatID, "chat-id", "cli", "conversation to continue")
	return cmd
}

// chatSession runs turns for each input line until EOF, /quit, or ctx is
// cancelled.
func chatSession(ctx context.Context, loop *agent.Loop, chatID string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := loop.Clear(ctx, chatID); err != nil {
				return err
			}
			fmt.Fprintln(out, "Conversation cleared.")
		default:
			reply, err := loop.Process(ctx, chatID, line)
			if err != nil {
				logger.Error("turn failed", "chat_id", chatID, "error", err)
			}
			fmt.Fprintln(out, reply)
		}

		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func askCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Long: `Ask a single question and print the reply. The exchange is not
added to any stored conversation, but facts the agent learns are kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			loop, err := a.newLoop(ctx, memory.NewStore())
			if err != nil {
				return err
			}

			reply, err := loop.Process(ctx, askChatID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			w := cmd.OutOrStdout()
			if opts.output == "json" {
				p, model := a.selector.Active()
				return writeJSON(w, map[string]string{
					"provider": p.ID(),
					"model":    model,
					"reply":    reply,
				})
			}
			fmt.Fprintln(w, reply)
			return nil
		},
	}
}

func clearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <chat-id>",
		Short: "Forget a conversation's history",
		Long:  "Forget a conversation's history. Long-term facts are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openConversations(ctx)
			if err != nil {
				return err
			}
			if err := store.Clear(ctx, args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared conversation %s\n", args[0])
			return nil
		},
	}
}

// providerStatus is the provider command's report.
type providerStatus struct {
	Active    string   `json:"active"`
	Model     string   `json:"model"`
	Persisted bool     `json:"persisted"`
	Available []string `json:"available"`
}

func providerCmd(opts *globalOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "provider [id [model]]",
		Short: "Show or switch the active model provider",
		Long: `Without arguments, show the active provider and the configured ones.
With an id (and optionally a model), switch the active provider. The
choice is remembered across restarts until --reset.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset && len(args) > 0 {
				return errors.New("--reset takes no arguments")
			}

			a, err := newApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			w := cmd.OutOrStdout()

			if reset {
				if err := a.settings.DeleteNamespace(llm.SettingsNamespace); err != nil {
					return fmt.Errorf("reset provider: %w", err)
				}
				fmt.Fprintf(w, "Provider reset to configured default: %s\n", a.cfg.Providers.Default)
				return nil
			}

			if len(args) > 0 {
				var model string
				if len(args) == 2 {
					model = args[1]
				}
				if err := a.selector.SetActive(args[0], model); err != nil {
					return err
				}
			}

			persisted, err := a.settings.List(llm.SettingsNamespace)
			if err != nil {
				return err
			}
			p, model := a.selector.Active()
			status := providerStatus{
				Active:    p.ID(),
				Model:     model,
				Persisted: len(persisted) > 0,
				Available: a.providers.IDs(),
			}

			if opts.output == "json" {
				return writeJSON(w, status)
			}
			writeProviderStatus(w, status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "forget the remembered choice and use the configured default")
	return cmd
}

func writeProviderStatus(w io.Writer, s providerStatus) {
	source := "configured default"
	if s.Persisted {
		source = "remembered"
	}
	fmt.Fprintf(w, "Active: %s (%s), %s\n", s.Active, s.Model, source)
	fmt.Fprintln(w, "Available:")
	for _, id := range s.Available {
		mark := " "
		if id == s.Active {
			mark = "*"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, id)
	}
}

// usageReport is the usage command's report.
type usageReport struct {
	Since      time.Time                 `json:"since"`
	Total      *usage.Summary            `json:"total"`
	ByProvider map[string]*usage.Summary `json:"by_provider"`
	ByModel    map[string]*usage.Summary `json:"by_model"`
}

func usageCmd(opts *globalOptions) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since <= 0 {
				return errors.New("--since must be positive")
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openUsage()
			if err != nil {
				return err
			}

			end := time.Now()
			start := end.Add(-since)
			report := usageReport{Since: start}
			if report.Total, err = store.Summary(ctx, start, end); err != nil {
				return err
			}
			if report.ByProvider, err = store.SummaryBy(ctx, "provider", start, end); err != nil {
				return err
			}
			if report.ByModel, err = store.SummaryBy(ctx, "model", start, end); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(w, report)
			}
			writeUsageReport(w, since, report)
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "report window ending now")
	return cmd
}

func writeUsageReport(w io.Writer, since time.Duration, r usageReport) {
	fmt.Fprintf(w, "Last %s: %d turns, %d calls, %d input / %d output tokens\n",
		since, r.Total.Turns, r.Total.Calls, r.Total.InputTokens, r.Total.OutputTokens)
	for _, group := range []struct {
		title string
		sums  map[string]*usage.Summary
	}{
		{"By provider:", r.ByProvider},
		{"By model:", r.ByModel},
	} {
		if len(group.sums) == 0 {
			continue
		}
		fmt.Fprintln(w, group.title)
		keys := make([]string, 0, len(group.sums))
		for k := range group.sums {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := group.sums[k]
			fmt.Fprintf(w, "  %-24s %6d calls %10d in %10d out\n", k, s.Calls, s.InputTokens, s.OutputTokens)
		}
	}
}

func versionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			info := buildinfo.Info()
			if opts.output == "json" {
				return writeJSON(w, info)
			}

			fmt.Fprintln(w, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
