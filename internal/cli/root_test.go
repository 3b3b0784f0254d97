package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dsn", "memory://"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "evidence", "verify", "tasks", "ask", "image"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "tasks")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestTasksJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "tasks")
	require.NoError(t, err)

	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "nutrition/daily_summary", tasks[0]["ID"])
}

func TestEvidenceEmptyStore(t *testing.T) {
	out, err := execute(t, "--format", "json", "evidence", "--entry", "lg-1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = execute(t, "evidence")
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLER")
}

func TestVerifyEmptyStore(t *testing.T) {
	out, err := execute(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "checked 0, valid 0")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, ExitCode(&ExitError{Code: ExitCommandError, Message: "x"}))
}

// offline clears provider keys so commands never reach a model.
func offline(t *testing.T) {
	t.Setenv("CLASSIFIER_PROVIDER", "none")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LIFELOG_ROUTER_CONFIG", "")
}

func TestAskRoutesByQuestionPattern(t *testing.T) {
	offline(t)
	out, err := execute(t, "ask", "what did I eat today?")
	require.NoError(t, err)
	assert.Contains(t, out, "[nutrition]")
	assert.Contains(t, out, "Entries: 0")

	_, err = execute(t, "ask", "what is the capital of France?")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestImageWithoutVisionCompleterFails(t *testing.T) {
	offline(t)
	path := filepath.Join(t.TempDir(), "plate.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n"), 0o600))

	_, err := execute(t, "image", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)

	_, err = execute(t, "image", filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}
