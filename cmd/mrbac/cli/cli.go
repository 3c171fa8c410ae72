package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/rbac"
)

// Exit codes returned by Run.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitRejected    = 3
	ExitPersistence = 4
	ExitSync        = 5
)

// Options wires the command tree to an initialised authority.
type Options struct {
	Authority *rbac.Authority
	Timeline  *audit.Service
	// Actor performs every mutation. The CLI runs with operator rights, so
	// it is normally a superuser subject.
	Actor  rbac.Subject
	Stdout io.Writer
	Stderr io.Writer
}

// usageError marks malformed command lines.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		return ExitValidation
	}
	switch rbac.KindOf(err) {
	case rbac.KindValidation:
		return ExitValidation
	case rbac.KindNotFound, rbac.KindProtected, rbac.KindAlreadyExists, rbac.KindForbidden:
		return ExitRejected
	case rbac.KindPersistence:
		return ExitPersistence
	case rbac.KindSync:
		return ExitSync
	default:
		return ExitFailure
	}
}

// Run executes args against the authority and returns the exit code. Errors
// are reported on Stderr.
func Run(ctx context.Context, opts Options, args []string) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	root := NewRootCommand(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "mrbac: %v\n", err)
	}
	return ExitCode(err)
}

// NewRootCommand builds the mrbac command tree.
func NewRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "mrbac",
		Short:         "Manage the group to module access mapping",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.AddCommand(
		listCommand(opts),
		syncCommand(opts),
		setCommand(opts),
		replaceCommand(opts),
		createGroupCommand(opts),
		deleteGroupCommand(opts),
		checkCommand(opts),
		logCommand(opts),
	)
	return root
}

// args wraps a cobra positional-argument validator so its failures map to
// ExitValidation.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func usagef(format string, a ...any) error {
	return usageError{err: fmt.Errorf(format, a...)}
}
