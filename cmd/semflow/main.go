// Package main provides the semflow binary entry point.
// Semflow is a durable workflow orchestrator over Postgres: workflows are
// DAGs of steps executed through a transactional task queue by a pool of
// polling workers.
package main

import (
	"fmt"
	"os"
	"runtime"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
