package build

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLogLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"DEBUG":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
	}
	for in, expected := range tests {
		level, err := ToLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, level, in)
	}

	_, err := ToLogLevel("loud")
	assert.Error(t, err)
}

func TestSubLoggerWritesJSON(t *testing.T) {
	logger := AddSubLogger("TEST")

	var human, js bytes.Buffer
	logConfigLock.Lock()
	subsystemHooks["TEST"].setWriters(&human, &js)
	logConfigLock.Unlock()

	SetLogLevel("TEST", logrus.InfoLevel)
	logger.Debug("not written")
	logger.WithField("amountMsat", 1000).Info("written")

	assert.NotContains(t, human.String(), "not written")
	assert.Contains(t, human.String(), "TEST written")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "TEST", decoded["subsystem"])
	assert.Equal(t, "written", decoded["msg"])
	assert.EqualValues(t, 1000, decoded["amountMsat"])
}
