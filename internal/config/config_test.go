package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/FriedOUDON/IncomUdon/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Codec != "PCM" {
		t.Errorf("expected default codec PCM, got %q", cfg.Codec)
	}
	if cfg.InputDeviceID != -1 || cfg.OutputDeviceID != -1 {
		t.Error("expected device IDs to default to -1")
	}
	if !cfg.FECEnabled {
		t.Error("expected FEC enabled by default")
	}
	if !cfg.QoSEnabled {
		t.Error("expected QoS marking enabled by default")
	}
	if !cfg.NoiseEnabled {
		t.Error("expected noise suppression enabled by default")
	}
	if cfg.ServerPort == 0 {
		t.Error("expected a non-zero default server port")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		ChannelID:     7,
		ServerAddress: "voice.example.com",
		ServerPort:    4242,
		PasswordHash:  "deadbeef",
		SenderID:      123456,
		Codec:         "OPUS",
		Codec2Bitrate: 1600,
		OpusBitrate:   16000,
		ForcePcm:      false,
		FECEnabled:    true,
		QoSEnabled:    true,
		InputDeviceID: 2,
		OutputDeviceID: 3,
		MicGain:       70,
		SpeakerGain:   60,
		NoiseEnabled:  true,
		NoiseLevel:    40,
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.ChannelID != cfg.ChannelID {
		t.Errorf("channel id: want %d got %d", cfg.ChannelID, loaded.ChannelID)
	}
	if loaded.ServerAddress != cfg.ServerAddress {
		t.Errorf("server address: want %q got %q", cfg.ServerAddress, loaded.ServerAddress)
	}
	if loaded.Codec != cfg.Codec {
		t.Errorf("codec: want %q got %q", cfg.Codec, loaded.Codec)
	}
	if loaded.OpusBitrate != cfg.OpusBitrate {
		t.Errorf("opus bitrate: want %d got %d", cfg.OpusBitrate, loaded.OpusBitrate)
	}
	if loaded.MicGain != cfg.MicGain {
		t.Errorf("mic gain: want %d got %d", cfg.MicGain, loaded.MicGain)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Codec == "" {
		t.Error("expected a non-empty codec from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "incomudon", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Codec != "PCM" {
		t.Errorf("expected default codec on corrupt file, got %q", cfg.Codec)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "incomudon", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
