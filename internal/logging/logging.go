package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger from LOG_LEVEL and LOG_FORMAT.
// Production defaults to errors only.
func Init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(levelFrom(os.Getenv("LOG_LEVEL")))

	if os.Getenv("LOG_FORMAT") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func levelFrom(v string) logrus.Level {
	switch v {
	case "dev", "development", "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
