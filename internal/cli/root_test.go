package cli

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "stepsync", cmd.Use)
	assert.Contains(t, cmd.Long, "version number")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"token"},
		{"doc"},
		{"doc", "create"},
		{"doc", "show"},
		{"doc", "list"},
		{"doc", "history"},
		{"doc", "clear-history"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
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

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	assert.NotNil(t, serveCmd.Flags().Lookup("db"))
}

func TestTokenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tokenCmd, _, err := cmd.Find([]string{"token"})
	require.NoError(t, err)

	ttlFlag := tokenCmd.Flags().Lookup("ttl")
	require.NotNil(t, ttlFlag)
	assert.Equal(t, "1h0m0s", ttlFlag.DefValue)
	assert.NotNil(t, tokenCmd.Flags().Lookup("user"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "doc", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LogConfig
		verbose   bool
		wantDebug bool
		wantJSON  bool
	}{
		{"info text", config.LogConfig{Level: "info", Format: "text"}, false, false, false},
		{"debug json", config.LogConfig{Level: "debug", Format: "json"}, false, true, true},
		{"verbose overrides level", config.LogConfig{Level: "error", Format: "text"}, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := newLogger(tt.cfg, tt.verbose, buf)
			logger.Debug("sample", "k", "v")

			assert.Equal(t, tt.wantDebug, logger.Enabled(t.Context(), slog.LevelDebug))
			if !tt.wantDebug {
				assert.Empty(t, buf.String())
				return
			}
			if tt.wantJSON {
				assert.Contains(t, buf.String(), `"msg":"sample"`)
			} else {
				assert.Contains(t, buf.String(), "msg=sample")
			}
		})
	}
}
