package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBinary compiles cmd/ratewatch and copies it outside the checkout so the
// embedded app identity is the only one available.
func buildBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary exec test is unix-focused")
	}
	if testing.Short() {
		t.Skip("builds the binary")
	}

	gomod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	root := filepath.Dir(strings.TrimSpace(string(gomod)))
	require.NotEqual(t, ".", root, "go env GOMOD returned empty")

	built := filepath.Join(t.TempDir(), "ratewatch")
	build := exec.Command("go", "build", "-o", built, "./cmd/ratewatch")
	build.Dir = root
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))

	data, err := os.ReadFile(built)
	require.NoError(t, err)
	standalone := filepath.Join(t.TempDir(), "ratewatch")
	require.NoError(t, os.WriteFile(standalone, data, 0o755))
	return standalone
}

func TestStandaloneBinaryOutsideRepo(t *testing.T) {
	bin := buildBinary(t)
	outside := filepath.Dir(bin)

	run := func(args ...string) string {
		cmd := exec.Command(bin, args...)
		cmd.Dir = outside
		cmd.Env = append(os.Environ(), "HOME="+outside, "XDG_CONFIG_HOME="+outside, "XDG_DATA_HOME="+outside)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", args, out)
		return string(out)
	}

	var report struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(run("version", "--json")), &report))
	assert.Equal(t, "ratewatch", report.Name)
	assert.NotEmpty(t, report.Version)

	help := run("--help")
	for _, sub := range []string{"serve", "watch", "history", "chart", "rate-limit", "doctor"} {
		assert.Contains(t, help, sub)
	}
}
