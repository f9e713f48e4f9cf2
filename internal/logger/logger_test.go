package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", "json")

	l.Debug("hidden")
	l.WithFields(map[string]interface{}{"conn_id": "abc"}).Info("Connection established", "remote_addr", "127.0.0.1:5000", "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Connection established", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "abc", lines[0]["conn_id"])
	assert.Equal(t, "127.0.0.1:5000", lines[0]["remote_addr"])
	assert.Equal(t, "dangling", lines[0]["extra"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ismg.log")
	l, err := New(Options{Level: "debug", Format: "text", Output: path})
	require.NoError(t, err)
	l.Warn("Request timed out", "command", "CMPP_SUBMIT")
	require.NoError(t, l.Close())

	l, err = New(Options{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
	assert.Nil(t, l)
}
