package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := newLogger()

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.Equal(t, time.RFC3339Nano, formatter.TimestampFormat)
	assert.True(t, formatter.FullTimestamp)
}

func TestGetLogger(t *testing.T) {
	t.Run("falls back to the global logger", func(t *testing.T) {
		assert.Equal(t, L.Logger, G(context.Background()).Logger)
	})

	t.Run("returns the context logger", func(t *testing.T) {
		entry := logrus.NewEntry(logrus.New()).WithField("agent", "engineer")
		ctx := WithLogger(context.Background(), entry)

		assert.Equal(t, "engineer", G(ctx).Data["agent"])
	})
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.Formatter = &logrus.JSONFormatter{}

	ctx := WithLogger(context.Background(), logrus.NewEntry(l).WithField("agent", "qa"))
	ctx = WithComponent(ctx, "tracker")
	G(ctx).Info("change recorded")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "tracker", out["component"])
	assert.Equal(t, "qa", out["agent"])
	assert.Equal(t, "change recorded", out["msg"])
}

func TestConfigure(t *testing.T) {
	origLevel := L.Logger.GetLevel()
	origFormatter := L.Logger.Formatter
	defer func() {
		L.Logger.SetLevel(origLevel)
		L.Logger.Formatter = origFormatter
	}()

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())

	formatter, ok := L.Logger.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.Equal(t, "timestamp", formatter.FieldMap[logrus.FieldKeyTime])
	assert.Equal(t, "message", formatter.FieldMap[logrus.FieldKeyMsg])

	assert.Error(t, Configure("loud", "fmt"))
}

func TestSetLogOutput(t *testing.T) {
	var buf bytes.Buffer
	origOut := L.Logger.Out
	defer SetLogOutput(origOut)

	SetLogOutput(&buf)
	L.Warn("disk almost full")

	assert.Contains(t, buf.String(), "disk almost full")
}
