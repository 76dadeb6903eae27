package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig writes a config pointing at a fresh SQLite database and
// content directory and returns its path.
func testConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`database:
  dsn: %s
content:
  root: %s
log:
  level: error
%s`, filepath.Join(dir, "avm.db"), filepath.Join(dir, "content"), extra)
	path := filepath.Join(dir, "avm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

// execute runs the root command with --config cfg and returns its output.
func execute(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func mustExecute(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := execute(t, cfg, args...)
	require.NoError(t, err, "avm %v: %s", args, out)
	return out
}

// decodeData decodes the data field of a JSON CLI response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "avm", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"}, {"store", "create"}, {"store", "ls"}, {"store", "versions"},
		{"mkdir"}, {"write"}, {"cat"}, {"ls"}, {"rm"}, {"layer"}, {"uncover"}, {"retarget"},
		{"snapshot"}, {"compare"}, {"update"}, {"flatten"}, {"reset-layer"},
		{"layer-state"}, {"history"}, {"orphans"}, {"content-urls"},
		{"submit"}, {"serve"}, {"ticket"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := execute(t, cfg, "--format", "xml", "store", "ls")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInit_WritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "avm.yaml")
	dsn := filepath.Join(dir, "repo.db")

	out := mustExecute(t, cfg, "init", "--dsn", dsn, "--content-root", filepath.Join(dir, "blobs"))
	assert.Contains(t, out, "Initialized repository (sqlite3 "+dsn+", 0 stores)")

	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dsn: "+dsn)
	assert.Contains(t, string(data), "retry_backoff: 10ms")

	// A second init keeps the existing file.
	mustExecute(t, cfg, "init", "--dsn", filepath.Join(dir, "other.db"))
	again, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestInit_BadConfig(t *testing.T) {
	cfg := testConfig(t, "bogus: true\n")
	_, err := execute(t, cfg, "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestWorkflow_PromoteAndFlatten(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "mkdir", "-p", "main:/www/img")
	mustExecute(t, cfg, "mkdir", "-p", "main:/www")
	mustExecute(t, cfg, "write", "main:/www/index.html", "v1")
	assert.Equal(t, "main:1\n", mustExecute(t, cfg, "snapshot", "main", "--tag", "init"))

	mustExecute(t, cfg, "store", "create", "sb", "--layer-over", "main:/")
	assert.Equal(t, "v1", mustExecute(t, cfg, "cat", "sb:/www/index.html"))
	assert.Equal(t, "PURE_INDIRECTION\n", mustExecute(t, cfg, "layer-state", "sb:/"))

	mustExecute(t, cfg, "write", "sb:/www/index.html", "v2")
	assert.Equal(t, "OVERRIDDEN\n", mustExecute(t, cfg, "layer-state", "sb:/"))

	out := mustExecute(t, cfg, "compare", "sb:/", "main:/")
	assert.Equal(t, "OLDER    sb:/www/index.html main:/www/index.html\n", out)

	out = mustExecute(t, cfg, "update", "sb:/", "main:/", "--tag", "promote")
	assert.Contains(t, out, "APPLIED   OLDER    main:/www/index.html")
	assert.Contains(t, out, "Applied 1, ignored 0, skipped 0")
	assert.Contains(t, out, "main:2")
	assert.Equal(t, "v2", mustExecute(t, cfg, "cat", "main:/www/index.html"))
	assert.Equal(t, "v1", mustExecute(t, cfg, "cat", "main:1:/www/index.html"))

	out = mustExecute(t, cfg, "flatten", "sb:/", "main:/")
	assert.Contains(t, out, "/\n")
	assert.Equal(t, "CONCRETE\n", mustExecute(t, cfg, "layer-state", "sb:/"))
	assert.Equal(t, "Already concrete.\n", mustExecute(t, cfg, "flatten", "sb:/", "main:/"))
	assert.Equal(t, "No differences.\n", mustExecute(t, cfg, "compare", "sb:/", "main:/"))

	var versions []struct {
		Version int    `json:"version"`
		Tag     string `json:"tag"`
	}
	decodeData(t, mustExecute(t, cfg, "--format", "json", "store", "versions", "main"), &versions)
	require.Len(t, versions, 3)
	assert.Equal(t, "init", versions[1].Tag)
	assert.Equal(t, "promote", versions[2].Tag)

	var stores []struct {
		Name string `json:"name"`
	}
	decodeData(t, mustExecute(t, cfg, "--format", "json", "store", "ls"), &stores)
	require.Len(t, stores, 2)
	assert.Equal(t, "main", stores[0].Name)
	assert.Equal(t, "sb", stores[1].Name)
}

func TestUpdate_SkippedConflictsExitOne(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "base")
	mustExecute(t, cfg, "write", "base:/f.txt", "base")
	mustExecute(t, cfg, "snapshot", "base")
	mustExecute(t, cfg, "store", "create", "l1", "--layer-over", "base:/")
	mustExecute(t, cfg, "store", "create", "l2", "--layer-over", "base:/")
	mustExecute(t, cfg, "write", "l1:/f.txt", "one")
	mustExecute(t, cfg, "write", "l2:/f.txt", "two")

	out, err := execute(t, cfg, "update", "l1:/", "l2:/")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 difference(s) skipped")
	assert.Contains(t, out, "SKIPPED   CONFLICT l2:/f.txt")
	assert.Equal(t, "two", mustExecute(t, cfg, "cat", "l2:/f.txt"))

	out = mustExecute(t, cfg, "update", "l1:/", "l2:/", "--override-conflicts")
	assert.Contains(t, out, "Applied 1, ignored 0, skipped 0")
	assert.Equal(t, "one", mustExecute(t, cfg, "cat", "l2:/f.txt"))
}

func TestRemoveLeavesGhost(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "write", "main:/a.txt", "a")
	mustExecute(t, cfg, "write", "main:/b.txt", "b")
	mustExecute(t, cfg, "snapshot", "main")
	mustExecute(t, cfg, "rm", "main:/a.txt")

	var entries []Entry
	decodeData(t, mustExecute(t, cfg, "--format", "json", "ls", "main:/"), &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)
	assert.Equal(t, "PLAIN_FILE", entries[0].Type)
	assert.EqualValues(t, 1, entries[0].Size)

	decodeData(t, mustExecute(t, cfg, "--format", "json", "ls", "--all", "main:/"), &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "DELETED_FILE", entries[0].Type)

	decodeData(t, mustExecute(t, cfg, "--format", "json", "ls", "main:1:/"), &entries)
	assert.Len(t, entries, 2)
}

func TestLayerCommand(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "mkdir", "main:/conf")
	mustExecute(t, cfg, "write", "main:/conf/app.yaml", "port: 1")
	mustExecute(t, cfg, "store", "create", "dev")

	mustExecute(t, cfg, "layer", "dev:/conf", "main:/conf")
	mustExecute(t, cfg, "layer", "dev:/app.yaml", "main:/conf/app.yaml", "--file")
	assert.Equal(t, "port: 1", mustExecute(t, cfg, "cat", "dev:/conf/app.yaml"))
	assert.Equal(t, "port: 1", mustExecute(t, cfg, "cat", "dev:/app.yaml"))

	out := mustExecute(t, cfg, "ls", "dev:/conf")
	assert.Contains(t, out, "~ app.yaml")

	mustExecute(t, cfg, "layer", "dev:/hidden", "main:/conf", "--opaque")
	var entries []Entry
	decodeData(t, mustExecute(t, cfg, "--format", "json", "ls", "dev:/hidden"), &entries)
	assert.Empty(t, entries)

	_, err := execute(t, cfg, "layer", "dev:/x", "main:/conf", "--file", "--opaque")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUncoverAndRetarget(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "mkdir", "main:/conf")
	mustExecute(t, cfg, "write", "main:/conf/a.yaml", "a")
	mustExecute(t, cfg, "write", "main:/conf/b.yaml", "b")
	mustExecute(t, cfg, "store", "create", "other")
	mustExecute(t, cfg, "mkdir", "other:/conf")
	mustExecute(t, cfg, "write", "other:/conf/c.yaml", "c")
	mustExecute(t, cfg, "store", "create", "dev")
	mustExecute(t, cfg, "layer", "dev:/conf", "main:/conf")

	names := func(p string) []string {
		var entries []Entry
		decodeData(t, mustExecute(t, cfg, "--format", "json", "ls", p), &entries)
		out := []string{}
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return out
	}

	mustExecute(t, cfg, "rm", "dev:/conf/a.yaml")
	assert.Equal(t, []string{"b.yaml"}, names("dev:/conf"))

	mustExecute(t, cfg, "uncover", "dev:/conf/a.yaml")
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, names("dev:/conf"))
	assert.Equal(t, "a", mustExecute(t, cfg, "cat", "dev:/conf/a.yaml"))

	_, err := execute(t, cfg, "uncover", "dev:/conf/b.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	mustExecute(t, cfg, "retarget", "dev:/conf", "other:/conf")
	assert.Equal(t, []string{"c.yaml"}, names("dev:/conf"))
	assert.Equal(t, "c", mustExecute(t, cfg, "cat", "dev:/conf/c.yaml"))

	_, err = execute(t, cfg, "retarget", "dev:/conf/c.yaml", "main:/conf")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestResetLayer(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "write", "main:/a.txt", "a")
	mustExecute(t, cfg, "store", "create", "ws", "--layer-over", "main:/")
	mustExecute(t, cfg, "write", "ws:/a.txt", "local")
	mustExecute(t, cfg, "write", "ws:/new.txt", "new")

	mustExecute(t, cfg, "reset-layer", "ws:/")
	assert.Equal(t, "a", mustExecute(t, cfg, "cat", "ws:/a.txt"))
	assert.Equal(t, "PURE_INDIRECTION\n", mustExecute(t, cfg, "layer-state", "ws:/"))

	_, err := execute(t, cfg, "reset-layer", "main:/")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "TYPE_MISMATCH")
}

func TestSubmit(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "staging")
	mustExecute(t, cfg, "write", "staging:/a.txt", "a")
	mustExecute(t, cfg, "snapshot", "staging")
	mustExecute(t, cfg, "store", "create", "wf", "--layer-over", "staging:/")
	mustExecute(t, cfg, "write", "wf:/a.txt", "a2")
	mustExecute(t, cfg, "write", "wf:/b.txt", "b")

	out := mustExecute(t, cfg, "submit", "wf:/", "--tag", "release")
	assert.Contains(t, out, "Submitted wf:/ to staging:/")
	assert.Contains(t, out, "Applied 2, ignored 0, skipped 0")
	assert.Equal(t, "a2", mustExecute(t, cfg, "cat", "staging:/a.txt"))
	assert.Equal(t, "b", mustExecute(t, cfg, "cat", "staging:/b.txt"))
	assert.Equal(t, "CONCRETE\n", mustExecute(t, cfg, "layer-state", "wf:/"))

	_, err := execute(t, cfg, "submit", "staging:/")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInspectionCommands(t *testing.T) {
	cfg := testConfig(t, "")

	mustExecute(t, cfg, "store", "create", "main")
	mustExecute(t, cfg, "write", "main:/a.txt", "one")
	mustExecute(t, cfg, "snapshot", "main")
	mustExecute(t, cfg, "write", "main:/a.txt", "two")
	mustExecute(t, cfg, "snapshot", "main")
	mustExecute(t, cfg, "write", "main:/a.txt", "three")

	var chain []struct {
		ID      int64 `json:"id"`
		Version int   `json:"version"`
	}
	decodeData(t, mustExecute(t, cfg, "--format", "json", "history", "main:/a.txt"), &chain)
	require.Len(t, chain, 3)
	assert.Equal(t, 2, chain[1].Version)
	assert.Equal(t, 1, chain[2].Version)

	decodeData(t, mustExecute(t, cfg, "--format", "json", "history", "-n", "1", "main:/a.txt"), &chain)
	assert.Len(t, chain, 2)

	var urls []string
	decodeData(t, mustExecute(t, cfg, "--format", "json", "content-urls"), &urls)
	assert.Len(t, urls, 3)

	decodeData(t, mustExecute(t, cfg, "--format", "json", "content-urls", "--missing"), &urls)
	assert.Empty(t, urls)

	var orphans []int64
	decodeData(t, mustExecute(t, cfg, "--format", "json", "orphans"), &orphans)
	assert.NotNil(t, orphans)
}

func TestWrite_FromFileAndStdin(t *testing.T) {
	cfg := testConfig(t, "")
	mustExecute(t, cfg, "store", "create", "main")

	local := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(local, []byte("from file"), 0o644))
	mustExecute(t, cfg, "write", "main:/f.txt", "--file", local)
	assert.Equal(t, "from file", mustExecute(t, cfg, "cat", "main:/f.txt"))

	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(bytes.NewBufferString("from stdin"))
	cmd.SetArgs([]string{"--config", cfg, "write", "main:/s.txt"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "from stdin", mustExecute(t, cfg, "cat", "main:/s.txt"))

	_, err := execute(t, cfg, "write", "main:/f.txt", "x", "--file", local)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommandErrors(t *testing.T) {
	cfg := testConfig(t, "")
	mustExecute(t, cfg, "store", "create", "main")

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"missing file", []string{"cat", "main:/nope"}, ExitFailure, "NOT_FOUND"},
		{"unknown store", []string{"store", "versions", "ghost"}, ExitFailure, "STORE_NOT_FOUND"},
		{"duplicate store", []string{"store", "create", "main"}, ExitFailure, "NAME_COLLISION"},
		{"bad path", []string{"cat", "main"}, ExitCommandError, "invalid path"},
		{"versioned write", []string{"write", "main:0:/x", "x"}, ExitCommandError, "must address a store head"},
		{"bad exclude", []string{"compare", "main:/", "main:/", "--exclude", "["}, ExitCommandError, "invalid exclude pattern"},
		{"unknown version", []string{"ls", "main:9:/"}, ExitFailure, "VERSION_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, cfg, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCommandErrors_JSONEnvelope(t *testing.T) {
	cfg := testConfig(t, "")
	mustExecute(t, cfg, "store", "create", "main")

	out, err := execute(t, cfg, "--format", "json", "cat", "main:/nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	// Command errors carry no repository code and produce no envelope.
	out, err = execute(t, cfg, "--format", "json", "cat", "main")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Empty(t, out)
}
