package logging

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuffersLines(t *testing.T) {
	var out bytes.Buffer
	logger, buf := New(Options{Level: "debug", Format: "json", BufferLines: 3, Output: &out})

	for i := 0; i < 5; i++ {
		logger.WithField("n", i).Info("line")
	}

	logs := buf.GetLogs()
	require.Len(t, logs, 3)
	assert.Contains(t, logs[0], `"n":2`)
	assert.Contains(t, logs[2], `"n":4`)
	assert.Contains(t, out.String(), `"msg":"line"`)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	logger, _ := New(Options{Level: "loud", Output: &bytes.Buffer{}})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestLogBuffer_GetLogsIsACopy(t *testing.T) {
	buf := NewLogBuffer(10)
	for i := 0; i < 2; i++ {
		buf.append(fmt.Sprintf("l%d", i))
	}
	logs := buf.GetLogs()
	logs[0] = "changed"
	assert.Equal(t, "l0", buf.GetLogs()[0])
}
