package sshexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// DirStatus is the verdict of ValidateDirectory.
type DirStatus string

const (
	DirValid     DirStatus = "VALID"
	DirNoWrite   DirStatus = "NO_WRITE"
	DirNotExists DirStatus = "NOT_EXISTS"
)

// ListFailedSentinel is printed by the listing command's fallback branch.
const ListFailedSentinel = "__LS_FAILED__"

// ValidateDirectoryCommand reports VALID, NO_WRITE or NOT_EXISTS for dir in a
// single round trip.
func ValidateDirectoryCommand(dir string) string {
	q := ShellQuote(dir)
	return fmt.Sprintf("if [ -d %s ]; then if [ -w %s ]; then echo %s; else echo %s; fi; else echo %s; fi",
		q, q, DirValid, DirNoWrite, DirNotExists)
}

// ListCommand lists dir in long format with a stable locale and timestamp
// layout. Failure prints ListFailedSentinel instead of relying on the exit
// status.
func ListCommand(dir string) string {
	return fmt.Sprintf("LC_ALL=C ls -la -h --time-style=+'%%Y-%%m-%%d %%H:%%M' -- %s 2>/dev/null || echo %s",
		ShellQuote(dir), ListFailedSentinel)
}

// ValidateDirectory runs the combined directory predicate.
func ValidateDirectory(ctx context.Context, s SessionOpener, dir string, timeout time.Duration) (DirStatus, error) {
	var status DirStatus
	res, err := Run(ctx, s, Command{
		Cmd:     ValidateDirectoryCommand(dir),
		Timeout: timeout,
		Match: func(stdout, _ string, _ int) bool {
			switch DirStatus(strings.TrimSpace(stdout)) {
			case DirValid, DirNoWrite, DirNotExists:
				status = DirStatus(strings.TrimSpace(stdout))
				return true
			}
			return false
		},
	})
	if err != nil {
		return "", err
	}
	if !res.Outcome {
		return "", sshconn.Errorf(sshconn.KindExecError, "validate", hostOf(s),
			"unexpected validation output %q (exit %d)", truncate(strings.TrimSpace(res.Stdout+res.Stderr), 120), res.ExitCode)
	}
	return status, nil
}

// DirectoryError maps a non-valid DirStatus to the user-facing error.
func DirectoryError(status DirStatus, op, host, dir string) error {
	switch status {
	case DirNotExists:
		return sshconn.Errorf(sshconn.KindPathNotFound, op, host, "Remote directory %s does not exist", dir)
	case DirNoWrite:
		return sshconn.Errorf(sshconn.KindPathNotWritable, op, host, "Remote directory %s is not writable", dir)
	}
	return nil
}
