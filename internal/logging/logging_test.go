package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Level = "WARN"
	opts.Stdout = &buf

	logger, closer, err := New(opts)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_FileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	opts := DefaultOptions()
	opts.File = path
	opts.Stdout = &buf

	logger, closer, err := New(opts)
	require.NoError(t, err)

	logger.WithField("cycle_id", "abc").Info("cycle settled")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cycle settled")
	assert.Contains(t, string(data), "cycle_id=abc")
	assert.Contains(t, buf.String(), "cycle settled")
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}
