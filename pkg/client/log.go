package client

import (
	"io"
	"log"
)

// debugLog carries per-line traffic and is silent unless enabled
var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// EnableDebugLogging turns on traffic logging to the standard logger's output
func EnableDebugLogging() {
	debugLog.SetOutput(log.Writer())
}
