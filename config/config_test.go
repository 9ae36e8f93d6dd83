package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caleberi/chunkmanager/index"
	"github.com/caleberi/chunkmanager/reconcile"
	"github.com/caleberi/chunkmanager/registry"
)

const validYAML = `
replications_delay_init: 300
replications_delay_disconnect: 3600
chunks_write_rep_limit: 15
chunks_read_rep_limit: 18
chunks_soft_del_limit: 10
chunks_hard_del_limit: 25
disable_chunks_del: false
chunks_loop_min_time: 60
chunks_loop_max_cps: 100000
acceptable_difference: 0.1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chunkmanager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.LoopInterval())
	assert.Equal(t, 15, cfg.Tunables().MaxWriteRepl)
	assert.Equal(t, 0.1, cfg.Tunables().AcceptableDifference)
}

func TestLoadRejectsOutOfBoundsAcceptableDifference(t *testing.T) {
	path := writeConfig(t, `
replications_delay_init: 300
replications_delay_disconnect: 3600
chunks_write_rep_limit: 15
chunks_read_rep_limit: 18
chunks_soft_del_limit: 10
chunks_hard_del_limit: 25
chunks_loop_min_time: 60
chunks_loop_max_cps: 100000
acceptable_difference: 20.0
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsHardLimitBelowSoftLimit(t *testing.T) {
	path := writeConfig(t, `
replications_delay_init: 300
replications_delay_disconnect: 3600
chunks_write_rep_limit: 15
chunks_read_rep_limit: 18
chunks_soft_del_limit: 25
chunks_hard_del_limit: 10
chunks_loop_min_time: 60
chunks_loop_max_cps: 100000
acceptable_difference: 0.1
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadAppliesToWorker(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	idx := index.New(4)
	reg := registry.New(nil, nil, nil)
	worker := reconcile.New(idx, reg, reconcile.DefaultTunables())

	watcher := NewWatcher(cfg, worker)
	assert.Equal(t, 15, worker.Tunables().MaxWriteRepl)

	require.NoError(t, os.WriteFile(path, []byte(`
replications_delay_init: 300
replications_delay_disconnect: 3600
chunks_write_rep_limit: 30
chunks_read_rep_limit: 18
chunks_soft_del_limit: 10
chunks_hard_del_limit: 25
chunks_loop_min_time: 60
chunks_loop_max_cps: 100000
acceptable_difference: 0.1
`), 0o644))

	require.NoError(t, watcher.Reload())
	assert.Equal(t, 30, worker.Tunables().MaxWriteRepl)
	assert.Equal(t, 30, watcher.Current().Tunables().MaxWriteRepl)
}

func TestWatcherReloadKeepsPreviousConfigOnFailure(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	idx := index.New(4)
	reg := registry.New(nil, nil, nil)
	worker := reconcile.New(idx, reg, reconcile.DefaultTunables())
	watcher := NewWatcher(cfg, worker)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	assert.Error(t, watcher.Reload())
	assert.Equal(t, 15, worker.Tunables().MaxWriteRepl, "a bad reload must not disturb the previously applied tunables")
}
