package logs

import (
	"bytes"
	"path/filepath"
	"testing"

	"atra_engine/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every package logs unconditionally, so the logger must work before Init
// ever runs (tests, tooling, early startup errors).
func TestLoggerUsableBeforeInit(t *testing.T) {
	var buf bytes.Buffer
	old := log.Out
	log.SetOutput(&buf)
	defer log.SetOutput(old)

	Infof("engine warming up on %s", "BTCUSDT")
	Warn("spread widening")

	out := buf.String()
	assert.Contains(t, out, "engine warming up on BTCUSDT")
	assert.Contains(t, out, "spread widening")
}

func TestInitReconfiguresLevel(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "engine.log")
	err := Init(&config.LogConfig{LogLevel: "debug", MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, logFile)
	require.NoError(t, err)
	defer Close()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	Debugf("fill at %.2f", 100.25)
	assert.Contains(t, buf.String(), "fill at 100.25")
}
