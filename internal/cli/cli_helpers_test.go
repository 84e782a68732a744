package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "cli-test-secret"

// testConfig writes a config file and policy into a temp dir and returns
// the config path and the SQLite path it points at.
func testConfig(t *testing.T, extra string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "docs.db")
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
projects:
  proj-1:
    alice: owner
    vera: viewer
`), 0o644))

	cfg := `
server:
  addr: 127.0.0.1:0
store:
  driver: sqlite
  path: ` + dbPath + `
auth:
  secret: ` + testSecret + `
  policy_file: ` + policyPath + `
log:
  level: error
` + extra
	cfgPath = filepath.Join(dir, "stepsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, dbPath
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
