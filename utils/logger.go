package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

var (
	InfoLogger  = logrus.New()
	ErrorLogger = logrus.New()
)

// InitLogger configures the shared loggers. format "json" switches both to
// the JSON formatter, anything else keeps the text formatter.
func InitLogger(format string) {
	InfoLogger.SetOutput(os.Stdout)
	ErrorLogger.SetOutput(os.Stderr)

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if format == "json" {
		formatter = &logrus.JSONFormatter{}
	}
	InfoLogger.SetFormatter(formatter)
	ErrorLogger.SetFormatter(formatter)

	InfoLogger.SetLevel(logrus.InfoLevel)
	// Warnings go to stderr together with errors: gateway failures the
	// payment flows swallow are logged at warn level.
	ErrorLogger.SetLevel(logrus.WarnLevel)
}
