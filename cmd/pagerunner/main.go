// File: cmd/pagerunner/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/pagerunner/cmd"
	"github.com/xkilldash9x/pagerunner/internal/observability"
)

const panicLogFile = "panic.log"

// Exit codes not tied to a page count.
const (
	exitFailure   = 1
	exitPanic     = 2
	exitInterrupt = 130
	// Exit statuses are truncated to a byte on POSIX.
	exitMaxFailed = 255
)

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit = os.Exit
)

func main() {
	defer handlePanic()

	// Interrupting the run stops every driver before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		osExit(exitCode(err))
	}
}

// exitCode maps the error returned by the root command to the process exit
// code. A completed run exits with its number of failed pages, capped at 255.
func exitCode(err error) int {
	var runErr *cmd.ExitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &runErr):
		return min(runErr.Code, exitMaxFailed)
	case errors.Is(err, context.Canceled):
		return exitInterrupt
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailure
	}
}

// handlePanic logs an unexpected panic to panicLogFile and exits.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(exitPanic)
		return // Return facilitates testing when osExit is mocked.
	}
	fmt.Fprintf(os.Stderr, "CRASH DETECTED. Details logged to %s\n", panicLogFile)
	osExit(exitPanic)
}
