// Package main tests document the expected behavior of the feedsync CLI.
//
// These are BLACK BOX tests - they test the CLI by executing the binary
// and checking stdout/stderr output.
//
// External dependencies:
// - The feed server is an in-process development server (httptest)
// - Settings and token storage live in a temp dir via FEEDSYNC_CONFIG_DIR
//
// Test requirements (this file serves as documentation):
// - CLI has root command with version info
// - "token" mints and saves a viewer token
// - "page" prints the feed, "watch" follows it live
// - "post", "like", "delete" and "follow" change the server
// - "serve" runs the development server
// - Error messages are helpful
package main

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gauthierbraillon/feedsync/internal/devserver"
	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

const testSecret = "cli-test-secret"

var binaryPath string

// TestMain builds the binary once before running tests.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "feedsync-test")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	binaryPath = filepath.Join(dir, "feedsync")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = "."
	if err := cmd.Run(); err != nil {
		panic("failed to build binary: " + err.Error())
	}

	os.Exit(m.Run())
}

// runCLI executes the CLI binary with given arguments and environment.
// The config directory is always isolated.
func runCLI(t *testing.T, env map[string]string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), "FEEDSYNC_CONFIG_DIR="+t.TempDir())
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exitCode = 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("failed to run command: %v", err)
	}

	return outBuf.String(), errBuf.String(), exitCode
}

// runCLISimple runs CLI without custom environment.
func runCLISimple(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	return runCLI(t, nil, args...)
}

type feedServer struct {
	store *devserver.Store
	http  *httptest.Server
}

// startServer runs a development server holding two posts.
func startServer(t *testing.T) *feedServer {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	store := devserver.NewStore(nil)
	now := time.Now()
	store.Seed(
		feed.Item{ID: "p1", AuthorID: "alice", Content: "hello from alice", CreatedAt: now.Add(-10 * time.Minute)},
		feed.Item{ID: "p2", AuthorID: "bob", Content: "hello from bob", CreatedAt: now.Add(-2 * time.Hour)},
	)
	srv := devserver.New(store, issuer)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &feedServer{store: store, http: ts}
}

// env returns settings pointing the CLI at the server as viewer.
func (s *feedServer) env(t *testing.T, viewer string, live bool) map[string]string {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := issuer.Issue(viewer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	channelURL := ""
	if live {
		channelURL = "ws" + strings.TrimPrefix(s.http.URL, "http") + devserver.WebSocketPath
	}
	return map[string]string{
		"FEEDSYNC_SERVER_URL":  s.http.URL,
		"FEEDSYNC_CHANNEL_URL": channelURL,
		"FEEDSYNC_TOKEN":       tok.AccessToken,
	}
}

// TestRootCommand_Help verifies help output shows available commands.
func TestRootCommand_Help(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "--help")
	output := strings.ToLower(stdout)

	expects := []string{"feedsync", "usage", "serve", "token", "watch", "page", "post", "like", "delete", "follow", "config"}
	for _, want := range expects {
		if !strings.Contains(output, want) {
			t.Errorf("help should contain %q, got:\n%s", want, stdout)
		}
	}
}

// TestRootCommand_Version verifies version output.
func TestRootCommand_Version(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "--version")

	if !strings.HasPrefix(stdout, "feedsync version ") {
		t.Errorf("version should show feedsync and version, got:\n%s", stdout)
	}
}

// TestTokenCommand_RequiresViewer verifies token needs a viewer argument.
func TestTokenCommand_RequiresViewer(t *testing.T) {
	_, stderr, exitCode := runCLISimple(t, "token")

	if exitCode == 0 {
		t.Error("should fail without viewer argument")
	}
	if !strings.Contains(strings.ToLower(stderr), "viewer") {
		t.Errorf("error should mention viewer, got:\n%s", stderr)
	}
}

// TestTokenCommand_RequiresSecret verifies token explains the missing secret.
func TestTokenCommand_RequiresSecret(t *testing.T) {
	_, stderr, exitCode := runCLI(t, map[string]string{"FEEDSYNC_JWT_SECRET": ""}, "token", "alice")

	if exitCode == 0 {
		t.Error("should fail without a secret")
	}
	if !strings.Contains(stderr, "FEEDSYNC_JWT_SECRET") {
		t.Errorf("error should say how to set the secret, got:\n%s", stderr)
	}
}

// TestTokenCommand_SavesToken verifies the minted token is stored and used
// by later commands.
func TestTokenCommand_SavesToken(t *testing.T) {
	srv := startServer(t)
	configDir := t.TempDir()
	env := map[string]string{
		"FEEDSYNC_CONFIG_DIR":  configDir,
		"FEEDSYNC_JWT_SECRET":  testSecret,
		"FEEDSYNC_SERVER_URL":  srv.http.URL,
		"FEEDSYNC_CHANNEL_URL": "",
		"FEEDSYNC_TOKEN":       "",
	}

	stdout, stderr, exitCode := runCLI(t, env, "token", "carol")
	if exitCode != 0 {
		t.Fatalf("token should succeed, got exit code %d:\n%s", exitCode, stderr)
	}
	if !strings.Contains(stdout, "Signed in as carol") {
		t.Errorf("should confirm the viewer, got:\n%s", stdout)
	}
	if _, err := os.Stat(filepath.Join(configDir, "default_token.json")); err != nil {
		t.Errorf("token file should exist: %v", err)
	}

	stdout, stderr, exitCode = runCLI(t, env, "post", "carol was here")
	if exitCode != 0 {
		t.Fatalf("post with the saved token should succeed, got exit code %d:\n%s", exitCode, stderr)
	}
	if !strings.HasPrefix(stdout, "Posted ") {
		t.Errorf("post should report the new item, got:\n%s", stdout)
	}
}

// TestPageCommand_RequiresToken verifies the sign-in hint.
func TestPageCommand_RequiresToken(t *testing.T) {
	_, stderr, exitCode := runCLI(t, map[string]string{"FEEDSYNC_TOKEN": ""}, "page")

	if exitCode == 0 {
		t.Error("should fail without a token")
	}
	if !strings.Contains(stderr, "feedsync token") {
		t.Errorf("error should explain how to sign in, got:\n%s", stderr)
	}
}

// TestPageCommand_DisplaysItems verifies page fetches and displays items.
func TestPageCommand_DisplaysItems(t *testing.T) {
	srv := startServer(t)

	stdout, stderr, exitCode := runCLI(t, srv.env(t, "viewer", false), "page")
	if exitCode != 0 {
		t.Fatalf("page should succeed, got exit code %d:\n%s", exitCode, stderr)
	}

	expects := []string{"[all]", "end of feed", "@alice", "hello from alice", "@bob", "10 minutes ago"}
	for _, want := range expects {
		if !strings.Contains(stdout, want) {
			t.Errorf("output should contain %q, got:\n%s", want, stdout)
		}
	}
	if strings.Index(stdout, "@alice") > strings.Index(stdout, "@bob") {
		t.Errorf("newest item should come first, got:\n%s", stdout)
	}
}

// TestPageCommand_RejectsInvalidFilter verifies filter validation.
func TestPageCommand_RejectsInvalidFilter(t *testing.T) {
	srv := startServer(t)

	_, stderr, exitCode := runCLI(t, srv.env(t, "viewer", false), "page", "--filter", "popular")
	if exitCode == 0 {
		t.Error("should fail with invalid filter")
	}
	if !strings.Contains(strings.ToLower(stderr), "filter") {
		t.Errorf("error should mention the filter, got:\n%s", stderr)
	}
}

// TestMutationCommands_ChangeServer verifies post, like, follow and delete.
func TestMutationCommands_ChangeServer(t *testing.T) {
	srv := startServer(t)
	env := srv.env(t, "viewer", false)

	if _, stderr, code := runCLI(t, env, "like", "p1"); code != 0 {
		t.Fatalf("like should succeed, got exit code %d:\n%s", code, stderr)
	}
	if got := srv.store.List("viewer", feed.FilterAll, 1, 10)[0]; !got.HasLike("viewer") {
		t.Errorf("p1 should be liked by viewer, got %+v", got)
	}

	if _, stderr, code := runCLI(t, env, "follow", "bob"); code != 0 {
		t.Fatalf("follow should succeed, got exit code %d:\n%s", code, stderr)
	}
	if following := srv.store.Following("viewer"); len(following) != 1 || following[0] != "bob" {
		t.Errorf("viewer should follow bob, got %v", following)
	}

	stdout, stderr, code := runCLI(t, env, "post", "--media", "https://img.test/x.png")
	if code != 0 {
		t.Fatalf("media-only post should succeed, got exit code %d:\n%s", code, stderr)
	}
	id := strings.TrimSpace(strings.TrimPrefix(stdout, "Posted "))

	if _, stderr, code := runCLI(t, env, "delete", id); code != 0 {
		t.Fatalf("delete should succeed, got exit code %d:\n%s", code, stderr)
	}
	if n := len(srv.store.List("viewer", feed.FilterAll, 1, 10)); n != 2 {
		t.Errorf("deleted post should be gone, got %d items", n)
	}

	_, stderr, code = runCLI(t, env, "delete", "p2")
	if code == 0 {
		t.Error("deleting someone else's post should fail")
	}
	if !strings.Contains(stderr, "only the author") {
		t.Errorf("error should carry the server's reason, got:\n%s", stderr)
	}
}

// TestPostCommand_RequiresContent verifies empty posts are refused locally.
func TestPostCommand_RequiresContent(t *testing.T) {
	_, stderr, exitCode := runCLISimple(t, "post", "   ")

	if exitCode == 0 {
		t.Error("should fail without content")
	}
	if !strings.Contains(stderr, "--media") {
		t.Errorf("error should mention --media, got:\n%s", stderr)
	}
}

// TestWatchCommand_FollowsLiveUpdates verifies watch renders the live feed
// and applies commands typed on stdin.
func TestWatchCommand_FollowsLiveUpdates(t *testing.T) {
	srv := startServer(t)

	cmd := exec.Command(binaryPath, "watch", "--for", "3s")
	cmd.Env = append(os.Environ(), "FEEDSYNC_CONFIG_DIR="+t.TempDir())
	for k, v := range srv.env(t, "viewer", true) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = strings.NewReader(`post "typed while watching"` + "\n")
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		t.Fatalf("watch should stop cleanly, got %v:\n%s", err, errBuf.String())
	}

	stdout := outBuf.String()
	expects := []string{"live", "@alice", "typed while watching"}
	for _, want := range expects {
		if !strings.Contains(stdout, want) {
			t.Errorf("output should contain %q, got:\n%s", want, stdout)
		}
	}
	if n := len(srv.store.List("viewer", feed.FilterAll, 1, 10)); n != 3 {
		t.Errorf("the typed post should reach the server, got %d items", n)
	}
}

// TestConfigCommand_ShowsRedactedSettings verifies secrets stay hidden.
func TestConfigCommand_ShowsRedactedSettings(t *testing.T) {
	stdout, _, exitCode := runCLI(t, map[string]string{"FEEDSYNC_JWT_SECRET": "super-secret-value"}, "config")

	if exitCode != 0 {
		t.Errorf("config should succeed, got exit code %d", exitCode)
	}
	if !strings.Contains(stdout, "Config directory:") {
		t.Errorf("should show the config directory, got:\n%s", stdout)
	}
	if strings.Contains(stdout, "super-secret-value") {
		t.Errorf("secret should be masked, got:\n%s", stdout)
	}
}

// TestConfigCommand_Help verifies config shows options.
func TestConfigCommand_Help(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "config", "--help")

	if !strings.Contains(strings.ToLower(stdout), "config") {
		t.Errorf("should show config help, got:\n%s", stdout)
	}
}

// TestServeCommand_ServesUntilInterrupted verifies serve answers requests
// and shuts down on SIGINT.
func TestServeCommand_ServesUntilInterrupted(t *testing.T) {
	cmd := exec.Command(binaryPath, "serve", "--addr", "127.0.0.1:0", "--seed")
	cmd.Env = append(os.Environ(), "FEEDSYNC_CONFIG_DIR="+t.TempDir(), "FEEDSYNC_JWT_SECRET="+testSecret)
	out, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()

	lines := bufio.NewScanner(out)
	if !lines.Scan() {
		t.Fatal("serve should print its address")
	}
	addr := strings.TrimPrefix(lines.Text(), "Feed server listening on ")

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check should succeed, got %d", resp.StatusCode)
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatal(err)
	}
	for lines.Scan() {
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("serve should exit cleanly on interrupt: %v", err)
	}
}
