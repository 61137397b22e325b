package logging

import (
	"log"
	"os"
)

var (
	// DebugMode indicates if debug logging is enabled
	DebugMode = os.Getenv("GOFER_DEBUG") == "1"
	// Logger is the shared logger instance
	Logger *log.Logger
)

func init() {
	Logger = log.Default()
}

// DebugLog logs only when GOFER_DEBUG=1
func DebugLog(format string, args ...interface{}) {
	if DebugMode {
		Logger.Printf("[DEBUG] "+format, args...)
	}
}

// UserLog logs important user-facing information (always visible)
func UserLog(format string, args ...interface{}) {
	Logger.Printf("[USER] "+format, args...)
}

// ErrorLog logs errors (always visible)
func ErrorLog(format string, args ...interface{}) {
	Logger.Printf("[ERROR] "+format, args...)
}
