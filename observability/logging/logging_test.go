package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("lendingd", "test", Options{Output: &buf, Level: "debug"})
	logger.Debug("borrow accepted", slog.String("user", "0xabc"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "borrow accepted", entry["message"])
	require.Equal(t, "DEBUG", entry["severity"])
	require.Equal(t, "lendingd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Contains(t, entry, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("authorization", "Bearer abc").Value.String())
	require.Equal(t, "0xabc", MaskField("user", "0xabc").Value.String())
	require.Equal(t, "", MaskField("secret", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "request_id")
}
