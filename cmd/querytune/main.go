// Command querytune tunes the configuration of a natural-language to SQL
// agent against a labeled case set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danielpatrickdp/querytune/internal/cases"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// #region main
func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

// #endregion main

// #region exit-codes
const (
	exitOK        = 0
	exitSetup     = 1
	exitUsage     = 2
	exitCancelled = 130
)

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// exitCode maps a command error to the process status. Judge and evaluation
// problems are reported as data, so anything that reaches here aborted the run.
func exitCode(err error) int {
	var ue usageError
	var se *cases.SetupError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.As(err, &se):
		return exitSetup
	default:
		return exitSetup
	}
}

// #endregion exit-codes
