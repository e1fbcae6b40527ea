package codecio

import "testing"

func TestPCMRoundTrip(t *testing.T) {
	c := NewPCM()
	pcm := make([]int16, FrameSamples)
	for i := range pcm {
		pcm[i] = int16(i*37 - 1000)
	}

	frame, err := c.Encode(pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != FrameSamples*2 {
		t.Fatalf("frame size = %d, want %d", len(frame), FrameSamples*2)
	}

	got, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("decoded len = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("sample %d: got %d want %d", i, got[i], pcm[i])
		}
	}
}

func TestPCMIdentifiesAsTransportPCM(t *testing.T) {
	if NewPCM().ID() != TransportPCM {
		t.Fatalf("expected TransportPCM")
	}
}

func TestCodec2UnavailableErrors(t *testing.T) {
	if _, err := NewCodec2("/opt/libcodec2.so"); err == nil {
		t.Fatal("expected codec2 to be unavailable in this build")
	}
}

func TestCueFramesAreFrameSamplesLong(t *testing.T) {
	for _, cue := range []Cue{CueServerOnline, CueServerOffline, CueTalkDenied, CueTalkGranted} {
		frames := CueFrames(cue)
		if len(frames) == 0 {
			t.Fatalf("cue %d: expected at least one frame", cue)
		}
		for i, f := range frames {
			if len(f) != FrameSamples {
				t.Fatalf("cue %d frame %d: len = %d, want %d", cue, i, len(f), FrameSamples)
			}
		}
	}
}

func TestCueFramesFadeInFromZero(t *testing.T) {
	frames := CueFrames(CueTalkGranted)
	if frames[0][0] != 0 {
		t.Fatalf("expected fade-in to start at zero amplitude, got %d", frames[0][0])
	}
}
