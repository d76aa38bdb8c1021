package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/pkg/domain"
)

func seedStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "incidents.db")

	s, err := store.OpenSQLite(db)
	require.NoError(t, err)
	now := time.Now().UTC()
	for _, inc := range []*domain.Incident{
		{ID: "i1", Actor: "alice", Host: "web-1", Severity: 90, Label: "critical", Scored: true},
		{ID: "i2", Actor: "bob", Host: "db-1", Severity: 10, Label: "low", Scored: true},
	} {
		inc.OpenedAt = now.Add(-time.Minute)
		inc.ClosedAt = now
		inc.MemberEvents = []string{"e-" + inc.ID}
		require.NoError(t, s.Persist(context.Background(), inc))
	}
	require.NoError(t, s.Close())

	cfgPath := filepath.Join(dir, "whitecat.yaml")
	cfg := "logging:\n  level: error\nstore:\n  driver: sqlite\n  path: " + db + "\napi:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReportFlag(t *testing.T) {
	cfg := seedStore(t)

	out, err := execute(t, "-c", cfg, "-r", "--format", "json", "--min-severity", "50")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "i1"`)
	assert.NotContains(t, out, `"id": "i2"`)
}

func TestReportSubcommandToFile(t *testing.T) {
	cfg := seedStore(t)
	path := filepath.Join(t.TempDir(), "report.yaml")

	_, err := execute(t, "report", "-c", cfg, "--actor", "bob", "--format", "yaml", "-o", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "actor: bob")
	assert.NotContains(t, string(data), "actor: alice")
}

type failingClose struct {
	bytes.Buffer
}

func (f *failingClose) Close() error {
	return errors.New("no space left on device")
}

func TestReportFileCloseErrorIsReturned(t *testing.T) {
	cfg := seedStore(t)
	orig := createReportFile
	defer func() { createReportFile = orig }()
	createReportFile = func(string) (io.WriteCloser, error) { return &failingClose{}, nil }

	_, err := execute(t, "report", "-c", cfg, "-o", filepath.Join(t.TempDir(), "report.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")
}

func TestReportRejectsBadFlags(t *testing.T) {
	cfg := seedStore(t)

	_, err := execute(t, "report", "-c", cfg, "--format", "csv")
	assert.Error(t, err)

	_, err = execute(t, "report", "-c", cfg, "--since", "last tuesday")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "report", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "whitecat dev")
}
