package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// Audio parameters every input is normalized to before concatenation.
const (
	audioSampleRate    = 48000
	audioChannelLayout = "stereo"
)

// ArgsBuilder builds ffmpeg command lines for plans.
type ArgsBuilder struct {
	preset  string
	threads int
}

// NewArgsBuilder creates a builder. An empty preset uses "veryfast"; zero
// threads lets ffmpeg decide.
func NewArgsBuilder(preset string, threads int) *ArgsBuilder {
	if preset == "" {
		preset = "veryfast"
	}
	return &ArgsBuilder{preset: preset, threads: threads}
}

// BuildArgs returns the ffmpeg arguments for plan. locations holds what ffmpeg
// should open for each input, in plan order. The container is written to
// stdout and machine-readable progress to stderr.
func (b *ArgsBuilder) BuildArgs(plan *Plan, locations []string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:2",
		"-y",
	}

	for _, loc := range locations {
		args = append(args, "-i", loc)
	}

	args = append(args, "-filter_complex", b.FilterGraph(plan))
	args = append(args, "-map", "[vout]")
	if plan.KeepsAudio() {
		args = append(args, "-map", "[aout]")
	}

	if b.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(b.threads))
	}

	args = append(args, b.codecArgs(plan)...)
	args = append(args, "pipe:1")
	return args
}

// FilterGraph returns the -filter_complex graph for plan: every input is fit
// to the output geometry, retimed and resampled, then the inputs are
// concatenated and the result rotated.
func (b *ArgsBuilder) FilterGraph(plan *Plan) string {
	g := alignedGeometry(plan.Video.Geometry, plan.Container.Alignment())
	fps := formatFloat(plan.Video.FrameRate)
	audio := plan.KeepsAudio()

	var chains []string
	var concatInputs strings.Builder
	for i, in := range plan.Inputs {
		video := fmt.Sprintf("[%d:v]%s,setsar=1,setpts=%s,fps=%s[v%d]",
			i, fitFilter(g, plan.Fit), ptsExpr(plan.Speed), fps, i)
		chains = append(chains, video)
		fmt.Fprintf(&concatInputs, "[v%d]", i)

		if audio {
			chains = append(chains, audioChain(i, in.Info, plan.Speed))
			fmt.Fprintf(&concatInputs, "[a%d]", i)
		}
	}

	rotated := "vcat"
	if len(plan.Inputs) > 1 {
		a := 0
		outs := "[vcat]"
		if audio {
			a = 1
			outs = "[vcat][aout]"
		}
		chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=%d%s", concatInputs.String(), len(plan.Inputs), a, outs))
	} else {
		rotated = "v0"
		if audio {
			chains = append(chains, "[a0]anull[aout]")
		}
	}

	final := rotateFilter(plan.Rotation)
	if plan.Container == ContainerGIF {
		chains = append(chains, fmt.Sprintf("[%s]%s,split[g0][g1]", rotated, final))
		chains = append(chains, "[g0]palettegen=stats_mode=diff[pal]")
		chains = append(chains, "[g1][pal]paletteuse=dither=bayer:bayer_scale=5[vout]")
	} else {
		chains = append(chains, fmt.Sprintf("[%s]%s,format=yuv420p[vout]", rotated, final))
	}

	return strings.Join(chains, ";")
}

func (b *ArgsBuilder) codecArgs(plan *Plan) []string {
	var args []string
	keyInt := 0
	if plan.KeyFrameInterval > 0 {
		keyInt = int(plan.Video.FrameRate) * plan.KeyFrameInterval
	}

	switch plan.Container {
	case ContainerGIF:
		args = append(args, "-loop", "0", "-f", "gif")
		return args

	case ContainerWebM:
		args = append(args, "-c:v", "libvpx-vp9", "-deadline", "realtime", "-row-mt", "1")
		if plan.Video.BitRate > 0 {
			args = append(args, "-b:v", strconv.FormatInt(plan.Video.BitRate, 10))
		} else {
			args = append(args, "-crf", "32", "-b:v", "0")
		}
		if keyInt > 0 {
			args = append(args, "-g", strconv.Itoa(keyInt))
		}
		if plan.KeepsAudio() {
			args = append(args, "-c:a", "libopus", "-b:a", "128k")
		}
		args = append(args, "-f", "webm")
		return args

	default:
		args = append(args, "-c:v", "libx264", "-preset", b.preset)
		if plan.Video.BitRate > 0 {
			br := strconv.FormatInt(plan.Video.BitRate, 10)
			args = append(args, "-b:v", br, "-maxrate", br, "-bufsize", strconv.FormatInt(plan.Video.BitRate*2, 10))
		} else {
			args = append(args, "-crf", "23")
		}
		if keyInt > 0 {
			args = append(args, "-g", strconv.Itoa(keyInt), "-keyint_min", strconv.Itoa(keyInt), "-sc_threshold", "0")
		}
		if plan.KeepsAudio() {
			args = append(args, "-c:a", "aac", "-b:a", "128k")
		}
		// stdout is not seekable, so the moov atom cannot be written at the end
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4")
		return args
	}
}

func fitFilter(g types.Geometry, fit strategy.FitPolicy) string {
	switch fit {
	case strategy.FitPad:
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			g.Width, g.Height, g.Width, g.Height)
	case strategy.FitStretch:
		return fmt.Sprintf("scale=%d:%d", g.Width, g.Height)
	default:
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
			g.Width, g.Height, g.Width, g.Height)
	}
}

func audioChain(i int, info *types.MediaInfo, speed float64) string {
	format := fmt.Sprintf("aresample=%d,aformat=sample_fmts=fltp:channel_layouts=%s", audioSampleRate, audioChannelLayout)
	tempo := atempoChain(speed)
	if tempo != "" {
		format += "," + tempo
	}

	if info != nil && info.HasAudio() {
		return fmt.Sprintf("[%d:a]%s[a%d]", i, format, i)
	}

	// Silent filler keeps concat's segment count consistent for inputs without audio.
	seconds := 0.0
	if info != nil {
		seconds = info.Duration.Seconds() / speed
	}
	return fmt.Sprintf("anullsrc=r=%d:cl=%s,atrim=duration=%s,aformat=sample_fmts=fltp:channel_layouts=%s[a%d]",
		audioSampleRate, audioChannelLayout, formatFloat(seconds), audioChannelLayout, i)
}

// atempoChain splits speed into atempo stages inside the [0.5, 2] range
// every ffmpeg version accepts.
func atempoChain(speed float64) string {
	if speed == 1 {
		return ""
	}
	var stages []string
	for speed > 2 {
		stages = append(stages, "atempo=2")
		speed /= 2
	}
	for speed < 0.5 {
		stages = append(stages, "atempo=0.5")
		speed /= 0.5
	}
	if speed != 1 {
		stages = append(stages, "atempo="+formatFloat(speed))
	}
	return strings.Join(stages, ",")
}

func ptsExpr(speed float64) string {
	if speed == 1 {
		return "PTS-STARTPTS"
	}
	return fmt.Sprintf("(PTS-STARTPTS)/%s", formatFloat(speed))
}

func rotateFilter(degrees int) string {
	switch degrees {
	case 90:
		return "transpose=clock"
	case 180:
		return "hflip,vflip"
	case 270:
		return "transpose=cclock"
	default:
		return "null"
	}
}

func alignedGeometry(g types.Geometry, n int) types.Geometry {
	if n <= 1 {
		return g
	}
	align := func(v int) int {
		v -= v % n
		if v < n {
			return n
		}
		return v
	}
	return types.NewGeometry(align(g.Width), align(g.Height))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
