package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

// Print returns an entry scoped to the given component ("dispatch",
// "supervisor", ...). Empty component returns a bare entry.
func Print(component string) *logrus.Entry {
	if component == "" {
		return logger.WithFields(logrus.Fields{})
	}
	return logger.WithField("component", component)
}

func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

var (
	errorLogMu   sync.Mutex
	errorLogPath string
)

// SetErrorLogPath enables the persistent error log. Unexpected errors are
// appended there with a timestamp in addition to normal console output.
func SetErrorLogPath(path string) {
	errorLogMu.Lock()
	errorLogPath = path
	errorLogMu.Unlock()
}

// PersistError appends the message to the error log file, if configured.
// Failures to write are reported on the console only.
func PersistError(message string) {
	errorLogMu.Lock()
	path := errorLogPath
	errorLogMu.Unlock()
	if path == "" {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		Print("").WithError(err).Error("Failed to open error log file")
		return
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		Print("").WithError(err).Error("Failed to append to error log file")
	}
}
