// Package config manages the persistent configuration bundle for the voice
// client. Settings are stored as JSON at os.UserConfigDir()/incomudon/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds the full persisted settings bundle described in SPEC_FULL.md
// §6: channel identity, codec selection, and the device/DSP preferences
// that survive a restart.
type Config struct {
	ChannelID     uint32 `json:"channel_id"`
	ServerAddress string `json:"server_address"`
	ServerPort    uint16 `json:"server_port"`
	PasswordHash  string `json:"password_hash"` // sha256-hex, never the raw password

	SenderID uint32 `json:"sender_id"`

	Codec         string `json:"codec"`          // "PCM" | "CODEC2" | "OPUS"
	Codec2Bitrate int    `json:"codec2_bitrate"`
	OpusBitrate   int    `json:"opus_bitrate"`
	ForcePcm      bool   `json:"force_pcm"`

	Codec2LibraryPath string `json:"codec2_library_path"`

	FECEnabled      bool `json:"fec_enabled"`
	QoSEnabled      bool `json:"qos_enabled"`
	KeepMicAlwaysOn bool `json:"keep_mic_always_on"`
	Mobile          bool `json:"mobile"`

	InputDeviceID  int `json:"input_device_id"`
	OutputDeviceID int `json:"output_device_id"`

	MicGain      int `json:"mic_gain"`      // 0-100
	SpeakerGain  int `json:"speaker_gain"`   // 0-100
	NoiseEnabled bool `json:"noise_enabled"`
	NoiseLevel   int `json:"noise_level"` // 0-100
}

// Default returns a Config populated with sensible defaults matching
// AppState's closed value sets.
func Default() Config {
	return Config{
		ServerPort:      4040,
		Codec:           "PCM",
		Codec2Bitrate:   1600,
		OpusBitrate:     16000,
		FECEnabled:      true,
		QoSEnabled:      true,
		InputDeviceID:   -1,
		OutputDeviceID:  -1,
		MicGain:         50,
		SpeakerGain:     50,
		NoiseEnabled:    true,
		NoiseLevel:      50,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "incomudon", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
