package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gauthierbraillon/feedsync/internal/api"
	"github.com/gauthierbraillon/feedsync/internal/display"
	"github.com/gauthierbraillon/feedsync/internal/engine"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// session builds an engine for the signed-in viewer. A nil dialer keeps it
// pull-only.
func (a *app) session(filter string, manual, live bool) (*engine.Engine, string, error) {
	tok, err := a.token()
	if err != nil {
		return nil, "", err
	}
	cfg := a.cfg
	if filter != "" {
		cfg.Filter = filter
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	ec := cfg.Engine(tok.ViewerID, tok.AccessToken)
	ec.ManualPaging = manual
	deps := engine.Deps{API: a.client(tok), Logger: a.logger}
	if live {
		deps.Dialer = a.dialer()
	}
	return engine.New(ec, deps), tok.ViewerID, nil
}

// newPageCmd creates the page subcommand.
func newPageCmd(a *app) *cobra.Command {
	var filter string
	var pages int

	cmd := &cobra.Command{
		Use:   "page",
		Short: "Print the feed once",
		Long:  "Fetch the first pages of the feed and print them, without a live channel.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pages < 1 {
				return fmt.Errorf("--pages must be at least 1")
			}
			eng, viewer, err := a.session(filter, true, false)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := eng.Start(ctx); err != nil {
				return err
			}
			defer eng.Stop()

			for snap := eng.Snapshot(); !snap.Exhausted && snap.Page < pages; snap = eng.Snapshot() {
				if err := eng.LoadMore(ctx); err != nil {
					return fmt.Errorf("failed to load the feed: %w", err)
				}
			}
			formatter := display.NewTerminalFormatter(viewer)
			drainNotices(eng, cmd.ErrOrStderr(), formatter)
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatFeed(eng.Snapshot(), time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Feed filter: all, following or trending")
	cmd.Flags().IntVarP(&pages, "pages", "n", 1, "Number of pages to load")

	return cmd
}

func drainNotices(eng *engine.Engine, w io.Writer, f *display.TerminalFormatter) {
	for {
		select {
		case n := <-eng.Notices():
			fmt.Fprint(w, f.FormatNotice(n))
		default:
			return
		}
	}
}

// newWatchCmd creates the watch subcommand.
func newWatchCmd(a *app) *cobra.Command {
	var filter string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the feed live",
		Long: `Follow the feed live, redrawing on every change.

Commands read from stdin while watching:
  more               load the next page
  filter <name>      switch to all, following or trending
  post <text>        publish a post
  like <id>          like or unlike an item
  delete <id>        delete one of your posts
  reconnect          retry the live channel
  quit               stop watching`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, viewer, err := a.session(filter, false, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if err := eng.Start(ctx); err != nil {
				return err
			}
			defer eng.Stop()

			updates, unsubscribe := eng.Subscribe()
			defer unsubscribe()
			lines := readLines(cmd.InOrStdin())

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			redraw := "\n"
			if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				redraw = clearScreen
			}
			formatter := display.NewTerminalFormatter(viewer)
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-updates:
					if !ok {
						return nil
					}
					fmt.Fprint(out, redraw+formatter.FormatFeed(eng.Snapshot(), time.Now()))
				case n := <-eng.Notices():
					fmt.Fprint(errOut, formatter.FormatNotice(n))
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					quit, err := runLine(ctx, eng, line)
					if err != nil {
						fmt.Fprintf(errOut, "! %v\n", err)
					}
					if quit {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Feed filter: all, following or trending")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (0 watches until interrupted)")

	return cmd
}

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\033[H\033[2J"

// readLines streams trimmed non-empty lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				lines <- line
			}
		}
	}()
	return lines
}

// runLine executes one interactive watch command. Arguments may be quoted.
func runLine(ctx context.Context, eng *engine.Engine, line string) (quit bool, err error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return false, fmt.Errorf("invalid command: %w", err)
	}
	if len(args) == 0 {
		return false, nil
	}
	verb, rest := args[0], strings.Join(args[1:], " ")

	switch verb {
	case "quit", "exit":
		return true, nil
	case "more":
		return false, eng.LoadMore(ctx)
	case "filter":
		f, err := feed.ParseFilter(rest)
		if err != nil {
			return false, err
		}
		return false, eng.ChangeFilter(ctx, f)
	case "post":
		_, err := eng.SubmitPost(ctx, rest, "")
		return false, err
	case "like":
		_, err := eng.ToggleLike(ctx, rest)
		return false, err
	case "delete":
		_, err := eng.DeletePost(ctx, rest)
		return false, err
	case "reconnect":
		return false, eng.Reconnect(ctx)
	default:
		return false, fmt.Errorf("unknown command %q", verb)
	}
}

// newPostCmd creates the post subcommand.
func newPostCmd(a *app) *cobra.Command {
	var media string

	cmd := &cobra.Command{
		Use:   "post [text]",
		Short: "Publish a post",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			if len(args) == 1 {
				content = args[0]
			}
			if strings.TrimSpace(content) == "" && media == "" {
				return fmt.Errorf("a post needs text or --media")
			}
			return a.mutate(cmd, func(ctx context.Context, c *api.Client) (string, error) {
				it, err := c.CreateItem(ctx, api.CreateRequest{Content: content, MediaRef: media})
				if err != nil || it == nil {
					return "Posted.", err
				}
				return "Posted " + it.ID, nil
			})
		},
	}

	cmd.Flags().StringVarP(&media, "media", "m", "", "Media reference to attach")

	return cmd
}

// newLikeCmd creates the like subcommand.
func newLikeCmd(a *app) *cobra.Command {
	var undo bool

	cmd := &cobra.Command{
		Use:   "like <item-id>",
		Short: "Like an item",
		Args:  requireID("item"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(ctx context.Context, c *api.Client) (string, error) {
				it, err := c.LikeItem(ctx, args[0], !undo)
				if err != nil {
					return "", err
				}
				verb := "Liked"
				if undo {
					verb = "Unliked"
				}
				if it == nil {
					return verb + " " + args[0], nil
				}
				return fmt.Sprintf("%s %s (%d likes)", verb, it.ID, it.LikeCount), nil
			})
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "Remove your like instead")

	return cmd
}

// newDeleteCmd creates the delete subcommand.
func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <item-id>",
		Short: "Delete one of your posts",
		Args:  requireID("item"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(ctx context.Context, c *api.Client) (string, error) {
				if _, err := c.DeleteItem(ctx, args[0]); err != nil {
					return "", err
				}
				return "Deleted " + args[0], nil
			})
		},
	}
}

// newFollowCmd creates the follow subcommand.
func newFollowCmd(a *app) *cobra.Command {
	var undo bool

	cmd := &cobra.Command{
		Use:   "follow <author-id>",
		Short: "Follow an author",
		Args:  requireID("author"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(ctx context.Context, c *api.Client) (string, error) {
				if err := c.Follow(ctx, args[0], !undo); err != nil {
					return "", err
				}
				if undo {
					return "Unfollowed " + args[0], nil
				}
				return "Following " + args[0], nil
			})
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "Stop following instead")

	return cmd
}

func requireID(what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return fmt.Errorf("requires an %s id argument", what)
		}
		return nil
	}
}

func (a *app) mutate(cmd *cobra.Command, do func(context.Context, *api.Client) (string, error)) error {
	tok, err := a.token()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	msg, err := do(ctx, a.client(tok))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
