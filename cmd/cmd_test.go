package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/app"
	"github.com/JakeFAU/harvest/internal/config"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

const cmdConfig = `
storage:
  driver: memory
notify:
  driver: none
rules:
  list:
    item: "li"
    fields:
      - name: title
        required: true
targets:
  - id: good
    url: https://good.example.it/
    rule: list
  - id: broken
    url: https://broken.example.it/
    rule: list
    disabled: true
`

type pageFetcher struct{}

func (pageFetcher) Fetch(_ context.Context, t pipeline.Target) (pipeline.RawPage, error) {
	if t.ID == "broken" {
		return pipeline.RawPage{}, pipeline.NewFetchError(pipeline.Permanent, t, 404, nil)
	}
	return pipeline.RawPage{
		TargetID:  t.ID,
		URL:       t.URL,
		Body:      []byte("<ul><li>Uno</li><li>Due</li><li>Tre</li></ul>"),
		FetchedAt: time.Now(),
	}, nil
}

func useFakeApp(t *testing.T) {
	t.Helper()
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (*app.App, error) {
		opts.Fetcher = pageFetcher{}
		opts.Registerer = prometheus.NewRegistry()
		return app.New(ctx, cfg, logger, opts)
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cmdConfig), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandPrintsReports(t *testing.T) {
	useFakeApp(t)

	out, err := execute(t, "run", "--dry-run")
	require.NoError(t, err)

	var reports []pipeline.RunReport
	scanner := bufio.NewScanner(bytes.NewBufferString(out))
	for scanner.Scan() {
		var r pipeline.RunReport
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		reports = append(reports, r)
	}
	require.Len(t, reports, 1)
	assert.Equal(t, "good", reports[0].TargetID)
	assert.Equal(t, 3, reports[0].New)
}

func TestRunCommandFailsWhenARunFails(t *testing.T) {
	useFakeApp(t)

	_, err := execute(t, "run", "good", "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 runs failed")
}

func TestRunCommandUnknownTarget(t *testing.T) {
	useFakeApp(t)

	_, err := execute(t, "run", "missing")
	require.ErrorIs(t, err, pipeline.ErrUnknownTarget)
}

func TestMigrateCommandOnMemoryStore(t *testing.T) {
	useFakeApp(t)

	_, err := execute(t, "migrate")
	require.NoError(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "run"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
