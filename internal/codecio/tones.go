package codecio

import "math"

// Cue identifies a UI audio cue played through the speaker path outside of
// any received AUDIO stream. Only cues with a direct single-talker PTT
// analogue are kept; the teacher's multi-user join/leave cues have no
// meaning here since this client has no roster.
type Cue int

const (
	CueServerOnline  Cue = iota // ascending two-tone: server reachable
	CueServerOffline            // descending two-tone: server unreachable
	CueTalkDenied               // short low buzz: PTT press rejected
	CueTalkGranted              // short high ping: PTT press accepted
)

// cueVolume is the peak amplitude of cue tones as a fraction of full scale.
const cueVolume = 0.18

type tone struct {
	freq int // Hz
	dur  int // ms
}

// CueFrames returns the cue synthesised as a sequence of FrameSamples-long
// int16 PCM frames, ready to splice into the playout stream the same way a
// decoded AUDIO frame would be.
func CueFrames(cue Cue) [][]int16 {
	var tones []tone
	switch cue {
	case CueServerOnline:
		tones = []tone{{523, 80}, {784, 120}} // C5, G5
	case CueServerOffline:
		tones = []tone{{784, 80}, {523, 120}} // G5, C5
	case CueTalkDenied:
		tones = []tone{{220, 150}} // low buzz
	case CueTalkGranted:
		tones = []tone{{880, 80}} // high ping
	default:
		return nil
	}

	var frames [][]int16
	for _, t := range tones {
		frames = append(frames, generateSineTone(float64(t.freq), t.dur)...)
	}
	return frames
}

// generateSineTone synthesises freq Hz for durationMs milliseconds, with a
// 5 ms linear fade-in/fade-out to avoid clicks, chunked into FrameSamples
// slices at SampleRate.
func generateSineTone(freq float64, durationMs int) [][]int16 {
	totalSamples := SampleRate * durationMs / 1000
	raw := make([]float32, totalSamples)

	fadeLen := SampleRate * 5 / 1000
	if fadeLen > totalSamples/2 {
		fadeLen = totalSamples / 2
	}

	for i := range raw {
		t := float64(i) / float64(SampleRate)
		s := float32(math.Sin(2 * math.Pi * freq * t))

		var env float32 = 1.0
		if i < fadeLen {
			env = float32(i) / float32(fadeLen)
		} else if i >= totalSamples-fadeLen {
			env = float32(totalSamples-1-i) / float32(fadeLen)
		}
		raw[i] = s * env * cueVolume
	}

	var frames [][]int16
	for off := 0; off < len(raw); off += FrameSamples {
		end := off + FrameSamples
		frame := make([]int16, FrameSamples)
		if end > len(raw) {
			end = len(raw)
		}
		for i := off; i < end; i++ {
			frame[i-off] = int16(raw[i] * 32767)
		}
		frames = append(frames, frame)
	}
	return frames
}
