package ffmpeg

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	apperrors "fibreel-media/pkg/errors"
)

// Probe is the measured profile of a clip. Durations come from the container
// format, the rest from the first video stream.
type Probe struct {
	Duration float64
	Codec    string
	Width    int
	Height   int
	FPS      float64
	HasAudio bool
}

// SameProfile reports whether two clips can be concatenated without
// re-encoding: identical codec and resolution, frame rates within half a
// frame per second.
func (p Probe) SameProfile(other Probe) bool {
	return p.Codec == other.Codec &&
		p.Width == other.Width &&
		p.Height == other.Height &&
		math.Abs(p.FPS-other.FPS) < 0.5
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

func (t *Toolchain) Probe(ctx context.Context, path string) (Probe, error) {
	out, err := t.runner.Run(ctx, t.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return Probe{}, err
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Probe{}, apperrors.Wrap(apperrors.KindMergeStage, "ffprobe produced unreadable output", err)
	}

	var p Probe
	p.Duration, err = strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || p.Duration <= 0 {
		return Probe{}, apperrors.Newf(apperrors.KindUnsupportedFormat, "could not measure duration of %s", path)
	}

	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if p.Codec != "" {
				continue
			}
			p.Codec = s.CodecName
			p.Width = s.Width
			p.Height = s.Height
			p.FPS = parseFrameRate(s.RFrameRate)
		case "audio":
			p.HasAudio = true
		}
	}
	if p.Codec == "" {
		return Probe{}, apperrors.New(apperrors.KindUnsupportedFormat, "no video stream found")
	}
	return p, nil
}

// parseFrameRate handles ffprobe's fractional form, e.g. "30000/1001".
func parseFrameRate(raw string) float64 {
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
