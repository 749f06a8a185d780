package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevelFrom(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":      logrus.DebugLevel,
		"dev":        logrus.DebugLevel,
		"info":       logrus.InfoLevel,
		"warning":    logrus.WarnLevel,
		"production": logrus.ErrorLevel,
		"":           logrus.ErrorLevel,
		"bogus":      logrus.ErrorLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, levelFrom(in), in)
	}
}

func TestInitJSON(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("LOG_FORMAT", "json")
	Init()

	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}
