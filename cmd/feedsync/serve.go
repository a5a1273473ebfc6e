package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gauthierbraillon/feedsync/internal/devserver"
	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

const shutdownTimeout = 5 * time.Second

func (a *app) issuer() (*auth.Issuer, error) {
	if a.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing token secret: set jwt_secret in %s or FEEDSYNC_JWT_SECRET", a.cfg.Dir)
	}
	return auth.NewIssuer(a.cfg.JWTSecret)
}

// newServeCmd creates the serve subcommand.
func newServeCmd(a *app) *cobra.Command {
	var addr string
	var seed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development feed server",
		Long: "Run an in-memory feed server with the pull API, the mutation API, " +
			"websocket push at " + devserver.WebSocketPath + " and Socket.IO push at " + devserver.SocketIOPath + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := a.issuer()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			store := devserver.NewStore(nil)
			if seed {
				store.Seed(demoItems(time.Now())...)
			}
			srv := devserver.New(store, issuer, devserver.WithLogger(a.logger))

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- httpSrv.Serve(ln) }()
			fmt.Fprintf(cmd.OutOrStdout(), "Feed server listening on %s\n", ln.Addr())

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
			srv.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from listen_addr)")
	cmd.Flags().BoolVar(&seed, "seed", false, "Start with a few demo posts")

	return cmd
}

func demoItems(now time.Time) []feed.Item {
	return []feed.Item{
		{ID: "demo-1", AuthorID: "alice", Content: "Morning run done, coffee next.", CreatedAt: now.Add(-5 * time.Minute), LikedBy: []string{"bob", "carol"}, LikeCount: 2},
		{ID: "demo-2", AuthorID: "bob", Content: "New photo from the coast", MediaRef: "https://img.example/coast.jpg", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "demo-3", AuthorID: "carol", Content: "Anyone up for a board game night?", CreatedAt: now.Add(-26 * time.Hour), LikedBy: []string{"alice"}, LikeCount: 1},
	}
}

// newTokenCmd creates the token subcommand.
func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "token <viewer>",
		Short: "Mint a viewer token for the development server",
		Long:  "Mint a signed viewer token with the configured secret and save it for later commands.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("requires a viewer id argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := a.issuer()
			if err != nil {
				return err
			}
			tok, err := issuer.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
				return nil
			}

			if err := auth.NewTokenStorage(a.cfg.Dir).Save(tokenProfile, tok); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", tok.ViewerID)
			fmt.Fprintf(cmd.OutOrStdout(), "Token saved to: %s\n", a.cfg.Dir)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the token instead of saving it")

	return cmd
}
