package ffmpeg

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

// Runner executes an external tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct {
	log *logger.Logger
}

func NewRunner(log *logger.Logger) Runner {
	return &execRunner{log: log}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debugf("exec: %s %s", name, strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.KindTimeout, name+" interrupted", ctx.Err())
		}
		return nil, apperrors.Wrap(apperrors.KindMergeStage, name+" failed: "+stderrTail(stderr.Bytes()), err)
	}
	return stdout.Bytes(), nil
}

// stderrTail keeps error details bounded; ffmpeg writes its banner and
// progress lines before the part that matters.
func stderrTail(out []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
