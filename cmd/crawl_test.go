package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/config"
	"github.com/JakeFAU/image-crawler/internal/crawler"
)

type fakeApp struct {
	cfg    config.Config
	plan   crawler.Plan
	runErr error
	closed bool
}

func (f *fakeApp) RunPlan(_ context.Context, plan crawler.Plan) error {
	f.plan = plan
	return f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(os.Stderr)
	return root.ExecuteContext(context.Background())
}

func TestCrawlUsesConfigFile(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)
	path := writeConfig(t, `
logging:
  development: false
crawler:
  parser_workers: 3
storage:
  backend: memory
feeder:
  seeds: ["https://example.com/a"]
`)

	require.NoError(t, execute("crawl", "--config", path))
	require.True(t, fake.closed)
	require.Equal(t, 3, fake.plan.ParserWorkers)
	require.Equal(t, []string{"https://example.com/a"}, fake.plan.FeederOptions["seeds"])
	require.Equal(t, config.StorageMemory, fake.cfg.Storage.Backend)
}

func TestCrawlFlagsOverrideConfig(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)
	path := writeConfig(t, `
storage:
  backend: memory
feeder:
  seeds: ["https://example.com/a"]
downloader:
  options:
    naming: index
`)

	err := execute("crawl", "--config", path,
		"--seed", "https://example.com/b",
		"--feeder", "links",
		"--downloader-workers", "4",
		"--max-num", "10",
		"https://example.com/c",
	)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/b", "https://example.com/c"}, fake.plan.FeederOptions["seeds"])
	require.Equal(t, config.FeederLinks, fake.cfg.Feeder.Strategy)
	require.Equal(t, 4, fake.plan.DownloaderWorkers)
	require.Equal(t, 10, fake.plan.DownloaderOptions["max_num"])
	require.Equal(t, "index", fake.plan.DownloaderOptions["naming"])
}

func TestCrawlRequiresSeeds(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)
	path := writeConfig(t, "storage:\n  backend: memory\n")

	err := execute("crawl", "--config", path)
	require.ErrorContains(t, err, "no seeds")
	require.False(t, fake.closed)
}

func TestCrawlRejectsInvalidOverride(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)
	path := writeConfig(t, "storage:\n  backend: memory\n")

	err := execute("crawl", "--config", path, "--parser", "xpath", "https://example.com")
	require.ErrorContains(t, err, "parser.strategy")
}

func TestCrawlReportsRunFailure(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("stage failed")}
	withFakeApp(t, fake)
	path := writeConfig(t, "storage:\n  backend: memory\n")

	err := execute("crawl", "--config", path, "https://example.com")
	require.ErrorContains(t, err, "stage failed")
	require.True(t, fake.closed)
}

func TestCrawlTreatsCancellationAsClean(t *testing.T) {
	fake := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, fake)
	path := writeConfig(t, "storage:\n  backend: memory\n")

	require.NoError(t, execute("crawl", "--config", path, "https://example.com"))
}

func TestRootFailsOnMissingConfigFile(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	err := execute("crawl", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config")
}
