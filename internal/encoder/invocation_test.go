// SPDX-License-Identifier: MIT

package encoder

import (
	"reflect"
	"strings"
	"testing"
)

func baseSpec() InvocationSpec {
	return InvocationSpec{
		InputPath: "/in/100-1.mp4",
		OutputDir: "/out/100-1",
		Encoder:   Libx264{Preset: "fast", Tune: "film"},
		FPS:       30,
		Ladder:    StandardLadder([4]string{"6500k", "3000k", "1500k", "800k"}),
	}
}

func TestBuildInvocationPure(t *testing.T) {
	spec := baseSpec()
	a := BuildInvocation(spec)
	b := BuildInvocation(spec)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("BuildInvocation is not pure: identical specs produced different output")
	}
}

func TestBuildInvocationNvencOmitsPresetTune(t *testing.T) {
	spec := baseSpec()
	spec.Encoder = H264Nvenc{}
	inv := BuildInvocation(spec)

	for _, a := range inv.Args {
		if strings.Contains(a, "-preset") || strings.Contains(a, "-tune") {
			t.Errorf("nvenc invocation must not contain preset/tune flags, found %q", a)
		}
	}

	count := 0
	for _, a := range inv.Args {
		if a == "h264_nvenc" {
			count++
		}
	}
	if count != 4 {
		t.Errorf("expected 4 -c:v:i h264_nvenc entries, got %d", count)
	}
}

func TestBuildInvocationBufsizeDoubled(t *testing.T) {
	spec := baseSpec()
	inv := BuildInvocation(spec)

	found := false
	for i, a := range inv.Args {
		if a == "-bufsize:v:0" {
			found = true
			if inv.Args[i+1] != "13000k" {
				t.Errorf("bufsize:v:0 = %q, want 13000k (2x 6500k)", inv.Args[i+1])
			}
		}
	}
	if !found {
		t.Fatal("did not find -bufsize:v:0 in argv")
	}
}

func TestBuildInvocationVarStreamMapNoAudio(t *testing.T) {
	spec := baseSpec()
	spec.IncludeAudio = true
	spec.HasAudio = false // probe found no audio stream
	inv := BuildInvocation(spec)

	if inv.VarStreamMap != "v:0 v:1 v:2 v:3" {
		t.Errorf("var_stream_map = %q, want v:0 v:1 v:2 v:3", inv.VarStreamMap)
	}
}

func TestBuildInvocationVarStreamMapWithAudio(t *testing.T) {
	spec := baseSpec()
	spec.IncludeAudio = true
	spec.HasAudio = true
	spec.AudioBitrates = []string{"128k"}
	inv := BuildInvocation(spec)

	if inv.VarStreamMap != "v:0,a:0 v:1,a:1 v:2,a:2 v:3,a:3" {
		t.Errorf("var_stream_map = %q, want v:0,a:0 v:1,a:1 v:2,a:2 v:3,a:3", inv.VarStreamMap)
	}
}

func TestDoubleBitrate(t *testing.T) {
	cases := map[string]string{
		"6500k": "13000k",
		"128k":  "256k",
		"800k":  "1600k",
	}
	for in, want := range cases {
		if got := doubleBitrate(in); got != want {
			t.Errorf("doubleBitrate(%q) = %q, want %q", in, got, want)
		}
	}
}
