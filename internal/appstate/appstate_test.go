package appstate

import (
	"testing"

	"github.com/FriedOUDON/IncomUdon/internal/config"
	"github.com/FriedOUDON/IncomUdon/internal/events"
)

func TestNewDefaultsToPCM(t *testing.T) {
	s := New(events.New())
	if s.Codec() != CodecPCM {
		t.Fatalf("expected default codec PCM, got %v", s.Codec())
	}
}

func TestSetCodec2BitrateSnapsToNearest(t *testing.T) {
	s := New(events.New())
	s.SetCodec2Bitrate(1700)
	if s.Codec2Bitrate() != 1600 {
		t.Fatalf("expected snap to 1600, got %d", s.Codec2Bitrate())
	}
	s.SetCodec2Bitrate(3000)
	if s.Codec2Bitrate() != 3200 {
		t.Fatalf("expected snap to 3200, got %d", s.Codec2Bitrate())
	}
}

func TestSetOpusBitrateSnapsToNearest(t *testing.T) {
	s := New(events.New())
	s.SetOpusBitrate(10000)
	if s.OpusBitrate() != 8000 && s.OpusBitrate() != 12000 {
		t.Fatalf("expected snap to a neighboring ladder value, got %d", s.OpusBitrate())
	}
}

func TestForcePcmOverridesCodecSelection(t *testing.T) {
	s := New(events.New())
	if err := s.SetCodec(CodecOpus); err != nil {
		t.Fatalf("SetCodec: %v", err)
	}
	if s.Codec() != CodecOpus {
		t.Fatalf("expected OPUS selected, got %v", s.Codec())
	}

	s.SetForcePcm(true)
	if s.Codec() != CodecPCM {
		t.Fatalf("expected forcePcm to force PCM, got %v", s.Codec())
	}

	s.SetForcePcm(false)
	if s.Codec() != CodecOpus {
		t.Fatalf("expected clearing forcePcm to restore OPUS, got %v", s.Codec())
	}
}

func TestSetCodecRejectsUnknownValue(t *testing.T) {
	s := New(events.New())
	if err := s.SetCodec(Codec("MP3")); err == nil {
		t.Fatal("expected an error for a codec outside the closed value set")
	}
}

func TestGainClamps(t *testing.T) {
	s := New(events.New())
	s.SetMicGain(150)
	if s.MicGain() != 100 {
		t.Fatalf("expected mic gain clamped to 100, got %d", s.MicGain())
	}
	s.SetSpeakerGain(-10)
	if s.SpeakerGain() != 0 {
		t.Fatalf("expected speaker gain clamped to 0, got %d", s.SpeakerGain())
	}
}

func TestHashPasswordIsDeterministicSha256Hex(t *testing.T) {
	h1 := HashPassword("hunter2")
	h2 := HashPassword("hunter2")
	if h1 != h2 {
		t.Fatal("expected HashPassword to be deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %d chars", len(h1))
	}
}

func TestMutatorsNotifySubscribers(t *testing.T) {
	bus := events.New()
	var fired int
	bus.Subscribe(events.SettingsChanged, func(any) { fired++ })

	s := New(bus)
	s.SetMicGain(10)
	s.SetFECEnabled(false)

	if fired != 2 {
		t.Fatalf("expected 2 notifications, got %d", fired)
	}
}

func TestLoadRevalidatesOutOfLadderBitrates(t *testing.T) {
	cfg := config.Default()
	cfg.Codec2Bitrate = 999999
	cfg.OpusBitrate = 1
	s := Load(cfg, events.New())

	if !contains(codec2Bitrates, s.Codec2Bitrate()) {
		t.Fatalf("expected codec2 bitrate to be snapped into the closed set, got %d", s.Codec2Bitrate())
	}
	if !contains(opusBitrates, s.OpusBitrate()) {
		t.Fatalf("expected opus bitrate to be snapped into the closed set, got %d", s.OpusBitrate())
	}
}
