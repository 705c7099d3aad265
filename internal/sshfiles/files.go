package sshfiles

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshexec"
)

// Listing is the result of List.
type Listing struct {
	Path    string            `json:"path"`
	Files   []RemoteFileEntry `json:"files"`
	Skipped int               `json:"skipped"`
}

// List runs the listing command for dir and parses its output. A listing
// that hits the command's fallback branch is reported as KindPathNotFound.
func List(ctx context.Context, s sshexec.SessionOpener, dir string, timeout time.Duration) (*Listing, error) {
	start := time.Now()
	res, err := sshexec.Run(ctx, s, sshexec.Command{
		Cmd:     sshexec.ListCommand(dir),
		Timeout: timeout,
		Match: func(stdout, _ string, _ int) bool {
			return !strings.Contains(stdout, sshexec.ListFailedSentinel)
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.Outcome {
		return nil, sshconn.Errorf(sshconn.KindPathNotFound, "list", hostOf(s),
			"Remote path %s does not exist or cannot be read", dir)
	}

	files, skipped := ParseListing(res.Stdout)
	logger := log.With().Str("component", "files").Str("path", dir).Logger()
	if skipped > 0 {
		logger.Warn().Str("kind", string(sshconn.KindParseSkipped)).Int("skipped", skipped).
			Msg("listing lines did not match the expected layout")
	}
	logger.Debug().Int("entries", len(files)).Dur("elapsed", time.Since(start)).Msg("directory listed")
	return &Listing{Path: dir, Files: files, Skipped: skipped}, nil
}

func hostOf(s sshexec.SessionOpener) string {
	if t, ok := s.(interface{ Target() sshconn.Target }); ok {
		return t.Target().Addr()
	}
	return ""
}
