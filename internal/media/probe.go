package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	CodecType    string            `json:"codec_type"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	NbFrames     string            `json:"nb_frames"`
	Duration     string            `json:"duration"`
	Tags         map[string]string `json:"tags"`
	SideData     []ffprobeSideData `json:"side_data_list"`
}

type ffprobeSideData struct {
	Type     string  `json:"side_data_type"`
	Rotation float64 `json:"rotation"`
}

// rotation returns the stream's display rotation in degrees, in [0, 360).
// Newer ffprobe reports it in the display matrix side data, older builds in
// the "rotate" tag.
func (s ffprobeStream) rotation() int {
	deg := 0
	found := false
	for _, sd := range s.SideData {
		if sd.Type == "Display Matrix" {
			deg, found = int(math.Round(sd.Rotation)), true
			break
		}
	}
	if !found {
		if v, err := strconv.Atoi(s.Tags["rotate"]); err == nil {
			deg = v
		}
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Probe reads the first video stream's geometry, rate, and frame count with
// ffprobe.
func Probe(ctx context.Context, path string) (Info, error) {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("%w: ffprobe %s: %v", ErrSourceUnavailable, path, err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (Info, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		// ffmpeg applies the display rotation while decoding, so a quarter
		// turn swaps the frame dimensions.
		info := Info{Width: s.Width, Height: s.Height, Rotation: s.rotation()}
		if info.Rotation == 90 || info.Rotation == 270 {
			info.Width, info.Height = s.Height, s.Width
		}
		info.FrameRate = parseFrameRate(s.AvgFrameRate)
		if info.FrameRate == 0 {
			info.FrameRate = parseFrameRate(s.RFrameRate)
		}

		if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
			info.TotalFrames = n
		} else {
			dur := s.Duration
			if dur == "" {
				dur = probe.Format.Duration
			}
			if d, err := strconv.ParseFloat(dur, 64); err == nil && info.FrameRate > 0 {
				info.TotalFrames = int(math.Round(d * info.FrameRate))
			}
		}

		if info.Width <= 0 || info.Height <= 0 {
			return Info{}, fmt.Errorf("%w: video stream has no dimensions", ErrSourceUnavailable)
		}
		return info, nil
	}
	return Info{}, fmt.Errorf("%w: no video stream", ErrSourceUnavailable)
}

// parseFrameRate parses ffprobe's "num/den" rate.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
