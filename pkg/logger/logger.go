// Package logger provides the colored, leveled logging surface used
// throughout rdtnet-go. Debug/Info/Warn/Error/Success are what the rest
// of the codebase calls; logrus owns formatting, level filtering, and
// output routing underneath.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the minimum log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		base.Warnf("logger: unknown level %q, keeping %s", level, base.GetLevel())
		return
	}
	base.SetLevel(lv)
}

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Info logs an info-level message.
func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warn logs a warning-level message.
func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// Error logs an error-level message.
func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// Success logs an info-level message tagged as a success.
func Success(format string, args ...interface{}) {
	base.WithField("status", "ok").Infof(format, args...)
}

// Fatal logs an error-level message and exits the process.
func Fatal(format string, args ...interface{}) {
	base.Errorf(format, args...)
	os.Exit(1)
}

// Section prints a section header to stdout. This is CLI decoration, not
// a structured log line, so it bypasses logrus.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-61s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the startup banner for a binary.
func Banner(title, version string) {
	fmt.Printf("\n=== %s (v%s) ===\n\n", title, version)
}
