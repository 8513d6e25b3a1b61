package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func restoreDefaults(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	prevOut := log.Writer()
	prevFlags := log.Flags()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
}

func TestSetupWritesStructuredJSON(t *testing.T) {
	restoreDefaults(t)
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "rlpxd", Environment: "test", Output: &buf})
	defer closer.Close()

	logger.Info("Peer connected", slog.String("component", "p2p_network"), MaskField("peer_address", "10.0.0.1:30303"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "Peer connected", entry["message"])
	require.Equal(t, "INFO", entry["severity"])
	require.Equal(t, "rlpxd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "p2p_network", entry["component"])
	require.Equal(t, RedactedValue, entry["peer_address"])
	require.Contains(t, entry, "timestamp")
}

func TestSetupHonoursLevel(t *testing.T) {
	restoreDefaults(t)
	var buf bytes.Buffer
	logger, _ := Setup(Options{Service: "rlpxd", Level: slog.LevelWarn, Output: &buf})
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), `"severity":"WARN"`)
}

func TestSetupMirrorsToFile(t *testing.T) {
	restoreDefaults(t)
	path := filepath.Join(t.TempDir(), "logs", "rlpxd.log")
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "rlpxd", File: path, Output: &buf})
	logger.Error("Handshake failed", slog.String("reason", "timeout"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, buf.String(), string(data))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	for _, key := range []string{"peer_id", "peer_address", "node_id", "enode"} {
		if IsAllowlisted(key) {
			t.Fatalf("%s should not be allowlisted: %v", key, RedactionAllowlist())
		}
		attr := MaskField(key, "value")
		if attr.Value.String() != RedactedValue {
			t.Fatalf("%s not redacted: %s", key, attr.Value)
		}
	}
	require.Equal(t, "BREACH_OF_PROTOCOL", MaskField("reason", "BREACH_OF_PROTOCOL").Value.String())
	require.Equal(t, "", MaskField("peer_id", "").Value.String())
}
