// Package probe provides source providers: they turn a caller-visible source
// identifier into probed track formats and a readable stream.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// SourceProvider yields probed track formats and readable streams for sources.
// Errors wrap errors.ErrSourceUnreadable.
type SourceProvider interface {
	Probe(ctx context.Context, source string) (*types.MediaInfo, error)
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Locator maps a source identifier to the location the media engine reads.
type Locator interface {
	Locate(source string) (string, error)
}

// FFprobe probes sources with ffprobe. Sources are either http(s) URLs or
// paths; relative paths are resolved against the media root.
type FFprobe struct {
	logger hclog.Logger
	binary string
	root   string
	client *http.Client
}

// NewFFprobe creates an ffprobe-backed provider. An empty root disables
// relative paths.
func NewFFprobe(logger hclog.Logger, binary, root string) *FFprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFprobe{
		logger: logger.Named("ffprobe"),
		binary: binary,
		root:   root,
		client: &http.Client{},
	}
}

// Locate implements Locator.
func (p *FFprobe) Locate(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", fmt.Errorf("empty source")
	}
	if isURL(source) {
		return source, nil
	}
	source = strings.TrimPrefix(source, "file://")
	if filepath.IsAbs(source) {
		return filepath.Clean(source), nil
	}
	if p.root == "" {
		return "", fmt.Errorf("relative source %q without a media root", source)
	}

	root, err := filepath.Abs(p.root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, source)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source %q escapes the media root", source)
	}
	return full, nil
}

// Probe implements SourceProvider.
func (p *FFprobe) Probe(ctx context.Context, source string) (*types.MediaInfo, error) {
	loc, err := p.Locate(source)
	if err != nil {
		return nil, tcerrors.SourceError("probe", source, err)
	}

	if !isURL(loc) {
		if _, err := os.Stat(loc); err != nil {
			return nil, tcerrors.SourceError("probe", source, err)
		}
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		loc,
	)

	start := time.Now()
	output, err := cmd.Output()
	if err != nil {
		return nil, tcerrors.SourceError("probe", source, fmt.Errorf("ffprobe failed: %w", err))
	}

	info, err := ParseProbeOutput(output, loc)
	if err != nil {
		return nil, tcerrors.SourceError("probe", source, err)
	}

	p.logger.Debug("probed source",
		"source", source,
		"duration", info.Duration,
		"has_video", info.HasVideo(),
		"has_audio", info.HasAudio(),
		"elapsed", time.Since(start),
	)
	return info, nil
}

// Open implements SourceProvider.
func (p *FFprobe) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	loc, err := p.Locate(source)
	if err != nil {
		return nil, tcerrors.SourceError("open", source, err)
	}

	if !isURL(loc) {
		f, err := os.Open(loc)
		if err != nil {
			return nil, tcerrors.SourceError("open", source, err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, tcerrors.SourceError("open", source, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, tcerrors.SourceError("open", source, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, tcerrors.SourceError("open", source, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return resp.Body, nil
}

type sideData struct {
	Rotation *float64 `json:"rotation"`
}

// probeOutput is the subset of ffprobe's JSON output that is used.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		BitRate      string `json:"bit_rate"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		Duration     string `json:"duration"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []sideData `json:"side_data_list"`
		Disposition struct {
			AttachedPic int `json:"attached_pic"`
		} `json:"disposition"`
	} `json:"streams"`
}

// ParseProbeOutput converts ffprobe JSON into MediaInfo. The first video
// stream that is not cover art and the first audio stream are used.
func ParseProbeOutput(data []byte, source string) (*types.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &types.MediaInfo{Source: source}
	info.Duration = parseSeconds(out.Format.Duration)
	info.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.Video != nil || s.Disposition.AttachedPic == 1 {
				continue
			}
			rate := parseRational(s.AvgFrameRate)
			if rate == 0 {
				rate = parseRational(s.RFrameRate)
			}
			info.Video = &types.TrackFormat{
				Kind:      types.TrackKindVideo,
				Codec:     s.CodecName,
				Geometry:  types.NewGeometry(s.Width, s.Height),
				FrameRate: rate,
				Rotation:  streamRotation(s.Tags.Rotate, s.SideDataList),
			}
			info.Video.BitRate, _ = strconv.ParseInt(s.BitRate, 10, 64)
			if info.Duration == 0 {
				info.Duration = parseSeconds(s.Duration)
			}
		case "audio":
			if info.Audio != nil {
				continue
			}
			info.Audio = &types.TrackFormat{
				Kind:     types.TrackKindAudio,
				Codec:    s.CodecName,
				Channels: s.Channels,
			}
			info.Audio.SampleRate, _ = strconv.Atoi(s.SampleRate)
			info.Audio.BitRate, _ = strconv.ParseInt(s.BitRate, 10, 64)
		}
	}

	if !info.HasVideo() {
		return nil, fmt.Errorf("no video stream found")
	}
	return info, nil
}

// streamRotation returns the clockwise display rotation in degrees. Older
// muxers store it as a "rotate" tag, newer ffprobe versions report a display
// matrix rotation, which is counter-clockwise.
func streamRotation(tag string, side []sideData) int {
	deg := 0
	if tag != "" {
		deg, _ = strconv.Atoi(tag)
	}
	for _, sd := range side {
		if sd.Rotation != nil {
			deg = -int(math.Round(*sd.Rotation))
			break
		}
	}
	deg = ((deg % 360) + 360) % 360
	if !types.ValidRotation(deg) {
		return 0
	}
	return deg
}

func parseSeconds(s string) time.Duration {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
