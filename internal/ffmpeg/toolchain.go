package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Normalization target. Clips recorded on different devices land on one
// profile so the concat demuxer can stitch them without re-encoding.
const (
	targetHeight = 720
	targetFPS    = 30
	normalizeCRF = 23
	compressCRF  = 28
)

// Toolchain wraps the ffmpeg and ffprobe binaries behind stage operations.
type Toolchain struct {
	ffmpegPath  string
	ffprobePath string
	runner      Runner
}

func NewToolchain(ffmpegPath, ffprobePath string, runner Runner) *Toolchain {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Toolchain{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
	}
}

// Normalize transcodes src onto the shared profile: h264 video scaled to
// 720p at 30fps, aac audio, streaming-friendly moov placement.
func (t *Toolchain) Normalize(ctx context.Context, src, dst string) error {
	_, err := t.runner.Run(ctx, t.ffmpegPath,
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", fmt.Sprint(normalizeCRF),
		"-vf", fmt.Sprintf("scale=-2:%d", targetHeight),
		"-r", fmt.Sprint(targetFPS),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	)
	return err
}

// Concat stitches the clips in order using the concat demuxer, copying
// streams without re-encoding. The inputs must share a profile.
func (t *Toolchain) Concat(ctx context.Context, srcs []string, dst string) error {
	list, err := writeConcatList(filepath.Dir(dst), srcs)
	if err != nil {
		return err
	}
	defer os.Remove(list)

	_, err = t.runner.Run(ctx, t.ffmpegPath,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	)
	return err
}

// Compress re-encodes src with a higher crf to bring oversized artifacts
// under the delivery threshold.
func (t *Toolchain) Compress(ctx context.Context, src, dst string) error {
	_, err := t.runner.Run(ctx, t.ffmpegPath,
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", fmt.Sprint(compressCRF),
		"-vf", fmt.Sprintf("scale=-2:%d", targetHeight),
		"-c:a", "aac",
		"-b:a", "96k",
		"-movflags", "+faststart",
		dst,
	)
	return err
}

func writeConcatList(dir string, srcs []string) (string, error) {
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", err
	}
	for _, src := range srcs {
		// concat demuxer quoting: single quotes close, escape, reopen
		escaped := strings.ReplaceAll(src, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
