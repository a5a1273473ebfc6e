package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauthierbraillon/feedsync/internal/feed"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestAC640_Config_DefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, Duration(20*time.Second), cfg.ConfirmTimeout)
	assert.Equal(t, 5, cfg.BackoffAttempts)
	assert.Equal(t, string(feed.FilterAll), cfg.Filter)
}

func TestAC641_Config_LayersFileDotenvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, FileName, `
server_url: http://feed.example:9000
transport: socketio
page_size: 10
confirm_timeout: 45s
viewer_id: from-yaml
`)
	write(t, dir, ".env", "FEEDSYNC_VIEWER_ID=from-dotenv\nFEEDSYNC_PAGE_SIZE=15\n")
	t.Setenv("FEEDSYNC_PAGE_SIZE", "25")
	t.Setenv("FEEDSYNC_BACKOFF_MAX", "30s")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "http://feed.example:9000", cfg.ServerURL, "yaml should override defaults")
	assert.Equal(t, TransportSocketIO, cfg.Transport)
	assert.Equal(t, Duration(45*time.Second), cfg.ConfirmTimeout)
	assert.Equal(t, "from-dotenv", cfg.ViewerID, ".env should override yaml")
	assert.Equal(t, 25, cfg.PageSize, "environment should override .env")
	assert.Equal(t, Duration(30*time.Second), cfg.BackoffMax)
	assert.Equal(t, dir, cfg.Dir)
}

func TestAC642_Config_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad duration", yaml: "confirm_timeout: soon\n"},
		{name: "bad filter", yaml: "filter: popular\n"},
		{name: "bad transport", yaml: "transport: carrier-pigeon\n"},
		{name: "zero page size", yaml: "page_size: 0\n"},
		{name: "max below base", yaml: "backoff_base: 10s\nbackoff_max: 1s\n"},
		{name: "negative like buffer size", yaml: "like_buffer_size: -1\n"},
		{name: "negative like buffer size from env", env: map[string]string{"FEEDSYNC_LIKE_BUFFER_SIZE": "-1"}},
		{name: "negative tombstone ttl", yaml: "tombstone_ttl: -5s\n"},
		{name: "negative confirm timeout", env: map[string]string{"FEEDSYNC_CONFIRM_TIMEOUT": "-1s"}},
		{name: "bad env int", env: map[string]string{"FEEDSYNC_PAGE_SIZE": "many"}},
		{name: "bad env bool", env: map[string]string{"FEEDSYNC_DEBUG": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.yaml != "" {
				write(t, dir, FileName, tt.yaml)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Dir = filepath.Join(t.TempDir(), "nested")
	cfg.ViewerID = "alice"
	cfg.TombstoneTTL = Duration(90 * time.Second)

	require.NoError(t, cfg.Save())
	loaded, err := Load(cfg.Dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_DirFromEnvironment(t *testing.T) {
	t.Setenv("FEEDSYNC_CONFIG_DIR", "/tmp/feedsync-test")
	assert.Equal(t, "/tmp/feedsync-test", Dir())
}

func TestConfig_EngineSettings(t *testing.T) {
	cfg := Default()
	cfg.Filter = "following"
	cfg.LikeBufferSize = 8

	ec := cfg.Engine("alice", "tok")
	assert.Equal(t, feed.FilterFollowing, ec.Filter)
	assert.Equal(t, "alice", ec.ViewerID)
	assert.Equal(t, "tok", ec.Token)
	assert.Equal(t, 8, ec.Reconcile.LikeBufferSize)
	assert.Equal(t, 20*time.Second, ec.ConfirmTimeout)
	assert.Equal(t, time.Second, ec.Backoff.Base)
}

func TestConfig_RedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Token = "eyJhbGciOiJIUzI1NiJ9.payload.sig"
	cfg.JWTSecret = "abc"

	out := cfg.Redacted()
	assert.NotContains(t, out, "payload")
	assert.Contains(t, out, "eyJh********")
	assert.NotContains(t, out, "abc")
	assert.Contains(t, out, "jwt_secret:")
}
