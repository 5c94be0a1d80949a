package main

import (
	"log"
	"os"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
