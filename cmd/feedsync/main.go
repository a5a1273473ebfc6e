// Package main provides the feedsync CLI entry point.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/gauthierbraillon/feedsync/internal/api"
	"github.com/gauthierbraillon/feedsync/internal/channel"
	"github.com/gauthierbraillon/feedsync/internal/config"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// tokenProfile names the stored token file.
const tokenProfile = "default"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveVersion prefers the ldflags version and falls back to the module
// version recorded by go install.
func resolveVersion(ldflags string, info *debug.BuildInfo) string {
	if ldflags != "dev" {
		return ldflags
	}
	if info == nil || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// app carries what every command needs once flags are parsed.
type app struct {
	verbose bool
	cfg     config.Config
	logger  *slog.Logger
}

// newRootCmd creates the root command for feedsync CLI.
func newRootCmd() *cobra.Command {
	a := &app{}
	info, _ := debug.ReadBuildInfo()

	rootCmd := &cobra.Command{
		Use:   "feedsync",
		Short: "Keep a live social feed in sync",
		Long: "Feedsync keeps a local view of a social feed consistent with the server: " +
			"it pages the feed, applies live updates pushed over a websocket and shows " +
			"your own posts and likes immediately while the server confirms them.",
		Version:       resolveVersion(version, info),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.SetVersionTemplate("feedsync version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newTokenCmd(a))
	rootCmd.AddCommand(newWatchCmd(a))
	rootCmd.AddCommand(newPageCmd(a))
	rootCmd.AddCommand(newPostCmd(a))
	rootCmd.AddCommand(newLikeCmd(a))
	rootCmd.AddCommand(newDeleteCmd(a))
	rootCmd.AddCommand(newFollowCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))

	return rootCmd
}

// load reads settings and installs the logger.
func (a *app) load(stderr io.Writer) error {
	cfg, err := config.Load(config.Dir())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if a.verbose || cfg.Debug {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

// token returns the bearer token from the settings or the token store.
func (a *app) token() (*auth.Token, error) {
	if a.cfg.Token != "" {
		viewer, err := auth.ViewerFromToken(a.cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("configured token is unusable: %w", err)
		}
		return &auth.Token{AccessToken: a.cfg.Token, TokenType: "Bearer", ViewerID: viewer}, nil
	}

	tok, err := auth.NewTokenStorage(a.cfg.Dir).Load(tokenProfile)
	if errors.Is(err, auth.ErrTokenNotFound) {
		return nil, fmt.Errorf("not signed in (run 'feedsync token <viewer>' or set FEEDSYNC_TOKEN)")
	}
	if err != nil {
		return nil, err
	}
	if tok.Expired(time.Now()) {
		return nil, fmt.Errorf("token for %s expired (run 'feedsync token %s' again)", tok.ViewerID, tok.ViewerID)
	}
	return tok, nil
}

func (a *app) client(tok *auth.Token) *api.Client {
	return api.NewClient(tok, api.WithBaseURL(a.cfg.ServerURL))
}

// dialer returns the push transport from the settings, or nil when no
// channel URL is configured.
func (a *app) dialer() supervisor.Dialer {
	if a.cfg.ChannelURL == "" {
		return nil
	}
	if a.cfg.Transport == config.TransportSocketIO {
		return channel.NewSocketIODialer("", a.logger)
	}
	return channel.NewWebSocketDialer(channel.WithLogger(a.logger))
}

// newConfigCmd creates the config subcommand.
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Long:  "Show the config directory and the effective settings, with secrets masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Config directory: %s\n\n", a.cfg.Dir)
			fmt.Fprint(cmd.OutOrStdout(), a.cfg.Redacted())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective settings to config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings saved to: %s\n", a.cfg.Dir)
			return nil
		},
	})

	return cmd
}
