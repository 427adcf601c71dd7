// SPDX-License-Identifier: MIT

package encoder

import "fmt"

// Encoder is a tagged variant over the supported video codecs. Each variant
// reports whether preset/tune apply to it; H264Nvenc reports that they do
// not, so BuildInvocation never emits them for nvenc.
type Encoder interface {
	ffmpegCodecName() string
	presetTune() (preset, tune string, ok bool)
}

// Libx265 selects the software HEVC encoder with an explicit preset/tune.
type Libx265 struct{ Preset, Tune string }

func (Libx265) ffmpegCodecName() string              { return "libx265" }
func (e Libx265) presetTune() (string, string, bool) { return e.Preset, e.Tune, true }

// Libx264 selects the software H.264 encoder with an explicit preset/tune.
type Libx264 struct{ Preset, Tune string }

func (Libx264) ffmpegCodecName() string             { return "libx264" }
func (e Libx264) presetTune() (string, string, bool) { return e.Preset, e.Tune, true }

// H264Nvenc selects the NVIDIA hardware encoder; preset/tune are never
// emitted for this variant.
type H264Nvenc struct{}

func (H264Nvenc) ffmpegCodecName() string              { return "h264_nvenc" }
func (H264Nvenc) presetTune() (string, string, bool) { return "", "", false }

// Variant is one rung of the fixed four-resolution ladder.
type Variant struct {
	Width, Height int
	Bitrate       string // e.g. "6500k"; round-trips unchanged in the argv
}

// StandardLadder is the spec's fixed 1080p/720p/480p/360p ladder; bitrates
// are filled in by the caller from configuration.
func StandardLadder(bitrates [4]string) [4]Variant {
	return [4]Variant{
		{1920, 1080, bitrates[0]},
		{1280, 720, bitrates[1]},
		{854, 480, bitrates[2]},
		{640, 360, bitrates[3]},
	}
}

// InvocationSpec is the immutable per-attempt input to BuildInvocation.
type InvocationSpec struct {
	InputPath         string
	OutputDir         string
	Encoder           Encoder
	FPS               int
	Ladder            [4]Variant
	HasAudio          bool     // from Probe
	IncludeAudio      bool     // from config
	AudioBitrates     []string // ordered list, one stream per entry
	HLSSegmentSeconds int      // default 1
	HLSPlaylistType   string   // default "vod"
}

// Invocation is the immutable result of BuildInvocation: the argv and the
// var_stream_map string it embeds.
type Invocation struct {
	Args         []string
	VarStreamMap string
}

// BuildInvocation is a pure function: the same InvocationSpec always
// produces a byte-identical argv. No I/O.
func BuildInvocation(spec InvocationSpec) Invocation {
	var args []string

	args = append(args, "-i", spec.InputPath)

	filterOutputs := make([]string, 4)
	for i := range filterOutputs {
		filterOutputs[i] = fmt.Sprintf("v%d", i)
	}
	filterComplex := fmt.Sprintf("split=4%s", bracket(filterOutputs))
	for i, v := range spec.Ladder {
		filterComplex += fmt.Sprintf(";[v%d]scale=w=%d:h=%d[vout%d]", i, v.Width, v.Height, i)
	}
	args = append(args, "-filter_complex", filterComplex)

	for i := range spec.Ladder {
		args = append(args, "-map", fmt.Sprintf("[vout%d]", i))
	}

	codec := spec.Encoder.ffmpegCodecName()
	preset, tune, hasPresetTune := spec.Encoder.presetTune()

	for i, v := range spec.Ladder {
		args = append(args, fmt.Sprintf("-c:v:%d", i), codec)
		if hasPresetTune {
			args = append(args, fmt.Sprintf("-preset:v:%d", i), preset)
			args = append(args, fmt.Sprintf("-tune:v:%d", i), tune)
		}
		args = append(args, fmt.Sprintf("-b:v:%d", i), v.Bitrate)
		args = append(args, fmt.Sprintf("-maxrate:v:%d", i), v.Bitrate)
		args = append(args, fmt.Sprintf("-bufsize:v:%d", i), doubleBitrate(v.Bitrate))
	}

	includeAudio := spec.IncludeAudio && spec.HasAudio
	var varStreamMap string
	if includeAudio {
		// One audio output per video variant, all sourced from input
		// audio stream 0, per the spec's normative var_stream_map
		// pairing v:i,a:i. Bitrates cycle through the configured
		// ordered list when shorter than the ladder.
		for range spec.Ladder {
			args = append(args, "-map", "a:0")
		}
		for i := range spec.Ladder {
			br := audioBitrateFor(spec.AudioBitrates, i)
			args = append(args, fmt.Sprintf("-c:a:%d", i), "aac")
			args = append(args, fmt.Sprintf("-b:a:%d", i), br)
			args = append(args, fmt.Sprintf("-ac:%d", i), "2")
		}
		parts := make([]string, len(spec.Ladder))
		for i := range spec.Ladder {
			parts[i] = fmt.Sprintf("v:%d,a:%d", i, i)
		}
		varStreamMap = joinSpace(parts)
	} else {
		parts := make([]string, len(spec.Ladder))
		for i := range spec.Ladder {
			parts[i] = fmt.Sprintf("v:%d", i)
		}
		varStreamMap = joinSpace(parts)
	}

	segSeconds := spec.HLSSegmentSeconds
	if segSeconds <= 0 {
		segSeconds = 1
	}
	playlistType := spec.HLSPlaylistType
	if playlistType == "" {
		playlistType = "vod"
	}

	args = append(args,
		"-f", "hls",
		"-g", fmt.Sprintf("%d", spec.FPS),
		"-hls_time", fmt.Sprintf("%d", segSeconds),
		"-hls_playlist_type", playlistType,
		"-hls_flags", "independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", spec.OutputDir+"/%v/segment_%03d.ts",
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", varStreamMap,
		spec.OutputDir+"/%v/playlist.m3u8",
	)

	return Invocation{Args: args, VarStreamMap: varStreamMap}
}

// audioBitrateFor returns the bitrate for audio output i, cycling through
// list when it has fewer entries than the video ladder.
func audioBitrateFor(list []string, i int) string {
	if len(list) == 0 {
		return "128k"
	}
	return list[i%len(list)]
}

func bracket(names []string) string {
	s := ""
	for _, n := range names {
		s += "[" + n + "]"
	}
	return s
}

func joinSpace(parts []string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += " "
		}
		s += p
	}
	return s
}

// doubleBitrate parses a bitrate string like "6500k" and returns its double,
// preserving the "k" suffix so units round-trip unchanged.
func doubleBitrate(br string) string {
	if len(br) == 0 {
		return br
	}
	suffix := br[len(br)-1:]
	numPart := br
	switch suffix {
	case "k", "K", "m", "M":
		numPart = br[:len(br)-1]
	default:
		suffix = ""
	}
	var n int
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return br // not purely numeric; return unchanged rather than guess
		}
	}
	fmt.Sscanf(numPart, "%d", &n)
	return fmt.Sprintf("%d%s", n*2, suffix)
}
