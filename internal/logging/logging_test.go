package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	logger.Infow("klpe fitted", "samples", 3)
	logger.Debugw("hidden")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "klpe fitted", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 3, entry["samples"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "debug", "console")
	require.NoError(t, err)

	logger.Debugw("scored", "estimator", "aklpe")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "scored")
	assert.Contains(t, buf.String(), "aklpe")
}

func TestErrors(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)

	_, err = NewWithWriter(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
