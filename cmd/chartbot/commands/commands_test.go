package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartbot/internal/automation"
	"chartbot/internal/storage"
	logx "chartbot/pkg/logx"
)

const jwtSecret = "cli-test-secret-0123456789"

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

type env struct {
	t      *testing.T
	cfg    string
	dbPath string
}

func newEnv(t *testing.T, analysisURL string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{t: t, cfg: filepath.Join(dir, "config.json"), dbPath: filepath.Join(dir, "chartbot.db")}
	body := map[string]any{
		"logging":  map[string]any{"level": "error"},
		"storage":  map[string]any{"driver": "sqlite", "path": e.dbPath},
		"analysis": map[string]any{"endpoint": analysisURL},
		"http":     map[string]any{"jwt_secret": jwtSecret},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.cfg, b, 0o600))
	return e
}

func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.cfg}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) schedules() []automation.Schedule {
	e.t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: e.dbPath}, logx.Nop())
	require.NoError(e.t, err)
	defer st.Close()
	list, err := st.ListSchedules(context.Background(), "")
	require.NoError(e.t, err)
	return list
}

func TestSchedulesLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "http://127.0.0.1:1/analyze")

	out, err := e.run("schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no schedules found")

	out, err = e.run("schedules", "add", "--target", "layout/BTCUSDT", "--name", "BTC 4h",
		"--frequency", "4H", "--telegram", "--chat", "-100123", "--min-confidence", "70", "--send-on-hold=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "created schedule")

	list := e.schedules()
	require.Len(t, list, 1)
	s := list[0]
	assert.Equal(t, automation.Every4h, s.Frequency)
	assert.True(t, s.Enabled)
	assert.True(t, s.SendToTelegram)
	assert.False(t, s.SendOnHold)
	assert.Equal(t, 70, s.MinConfidence)
	require.NotNil(t, s.TelegramChatID)
	assert.Equal(t, "-100123", *s.TelegramChatID)

	out, err = e.run("schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "BTC 4h")
	assert.Contains(t, out, ">=70% no-hold")

	_, err = e.run("schedules", "disable", s.ID)
	require.NoError(t, err)
	assert.False(t, e.schedules()[0].Enabled)
	_, err = e.run("schedules", "enable", s.ID)
	require.NoError(t, err)
	assert.True(t, e.schedules()[0].Enabled)

	out, err = e.run("logs", s.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded yet")

	_, err = e.run("schedules", "delete", s.ID)
	require.NoError(t, err)
	assert.Empty(t, e.schedules())

	_, err = e.run("schedules", "delete", s.ID)
	assert.ErrorIs(t, err, automation.ErrNotFound)
}

func TestSchedulesAddValidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "http://127.0.0.1:1/analyze")

	_, err := e.run("schedules", "add")
	assert.ErrorContains(t, err, "target")

	_, err = e.run("schedules", "add", "--target", "x", "--frequency", "5m")
	assert.ErrorIs(t, err, automation.ErrInvalidSchedule)

	_, err = e.run("schedules", "add", "--target", "x", "--min-confidence", "150")
	assert.ErrorIs(t, err, automation.ErrInvalidSchedule)
	assert.Empty(t, e.schedules())
}

func TestTriggerRunsEnabledSchedules(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"action": "BUY", "confidence": 80, "analysis_id": "a-1"})
	}))
	t.Cleanup(srv.Close)
	e := newEnv(t, srv.URL)

	_, err := e.run("schedules", "add", "--target", "layout/ETH")
	require.NoError(t, err)
	_, err = e.run("schedules", "add", "--target", "layout/SOL", "--disabled")
	require.NoError(t, err)

	out, err := e.run("trigger")
	require.NoError(t, err, out)
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "BUY 80%")
	assert.NotContains(t, out, "layout/SOL")

	for _, s := range e.schedules() {
		if s.TargetRef == "layout/ETH" {
			assert.NotNil(t, s.LastRunAt)
			assert.NotNil(t, s.NextRunAt)
			out, err = e.run("logs", s.ID, "--limit", "5")
			require.NoError(t, err)
			assert.Contains(t, out, "BUY 80%")
			continue
		}
		assert.Nil(t, s.LastRunAt)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "http://127.0.0.1:1/analyze")

	out, err := e.run("token", "--user", "alice", "--ttl", "1h")
	require.NoError(t, err)
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, out)

	_, err = e.run("token")
	assert.ErrorContains(t, err, "--user")

	out, err = e.run("token", "--admin")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestMissingConfig(t *testing.T) {
	t.Parallel()
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.json"), "schedules", "list"})
	assert.ErrorContains(t, root.Execute(), "load config")
}
