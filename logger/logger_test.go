package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	defer func() { Logger, InfoLogger, ErrorLogger = nil, nil, nil }()

	Warnf("wal unroll: dropping %d bytes\n", 64)
	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "logger_test.go")
	assert.Contains(t, out, "dropping 64 bytes\n")

	buf.Reset()
	WithTx(7).Info("committed")
	assert.Contains(t, buf.String(), "committed tx=7")
}

func TestLevelAndNilSafety(t *testing.T) {
	Logger, InfoLogger, ErrorLogger = nil, nil, nil
	Debugf("dropped %d", 1)
	Errorf("dropped %d", 1)
	WithTx(1).Warn("dropped")

	var buf bytes.Buffer
	SetOutput(&buf, "warn")
	defer func() { Logger, InfoLogger, ErrorLogger = nil, nil, nil }()
	Debugf("hidden")
	Infof("hidden")
	assert.Empty(t, buf.String())
	Errorf("shown")
	assert.Contains(t, buf.String(), "[ERRO]")
}
