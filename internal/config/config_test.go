package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}
	if w := cfg.Warnings(); len(w) != 0 {
		t.Errorf("Expected no warnings for defaults, got %v", w)
	}

	if cfg.Audio.SampleRate != 16000 || cfg.Audio.ChunkSizeMs != 200 {
		t.Errorf("Unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Audio.GetHistoryDuration() != 30*time.Second {
		t.Errorf("Expected 30s history, got %v", cfg.Audio.GetHistoryDuration())
	}
	if cfg.VAD.MaxSegmentMs != 20000 {
		t.Errorf("Expected 20s max segment, got %d", cfg.VAD.MaxSegmentMs)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid ws port",
			mutate:      func(c *Config) { c.Server.WSPort = 70000 },
			expectError: true,
			errorMsg:    "ws_port must be between 1 and 65535",
		},
		{
			name:        "sample rate out of range",
			mutate:      func(c *Config) { c.Audio.SampleRate = 96000 },
			expectError: true,
			errorMsg:    "sample_rate must be between 8000 and 48000",
		},
		{
			name:        "stereo rejected",
			mutate:      func(c *Config) { c.Audio.Channels = 2 },
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "unsupported sample format",
			mutate:      func(c *Config) { c.Audio.SampleFormat = "f32" },
			expectError: true,
			errorMsg:    "sample_format",
		},
		{
			name:        "margin not smaller than history",
			mutate:      func(c *Config) { c.Audio.SafetyMarginSec = 30 },
			expectError: true,
			errorMsg:    "safety_margin_sec",
		},
		{
			name:        "history shorter than a chunk",
			mutate:      func(c *Config) { c.Audio.HistoryBufferDurationSec = 0.1 },
			expectError: true,
			errorMsg:    "must hold at least one chunk",
		},
		{
			name:        "zero segment queue",
			mutate:      func(c *Config) { c.Queues.SegmentQueueSize = 0 },
			expectError: true,
			errorMsg:    "segment_queue_size must be at least 1",
		},
		{
			name:        "join timeout too small",
			mutate:      func(c *Config) { c.Decoder.JoinTimeoutMs = 1 },
			expectError: true,
			errorMsg:    "join_timeout_ms",
		},
		{
			name:        "invalid VAD threshold",
			mutate:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "threshold must be between 0 and 1",
		},
		{
			name:        "silence threshold above threshold",
			mutate:      func(c *Config) { c.VAD.SilenceThreshold = 0.5 },
			expectError: true,
			errorMsg:    "silence_threshold",
		},
		{
			name:        "transcription enabled without endpoint",
			mutate:      func(c *Config) { c.Transcription.Enabled = true; c.Transcription.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name:   "transcription disabled skips checks",
			mutate: func(c *Config) { c.Transcription.Endpoint = ""; c.Transcription.MaxConcurrent = 0 },
		},
		{
			name:        "save segments without dir",
			mutate:      func(c *Config) { c.Debug.SaveSegments = true; c.Debug.SegmentDir = "" },
			expectError: true,
			errorMsg:    "segment_dir",
		},
		{
			name:        "tcp port clashes with ws port",
			mutate:      func(c *Config) { c.Server.TCPEnabled = true; c.Server.TCPPort = c.Server.WSPort },
			expectError: true,
			errorMsg:    "must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	// Create a temporary directory for test files
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  ws_port: 9000
  max_connections: 10
audio:
  sample_rate: 24000
  chunk_size_ms: 100
vad:
  min_speech_ms: 300
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  ws_port: 9000
  max_connections: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid values",
			configYAML: `
server:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temporary config file
			configPath := filepath.Join(tempDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.Server.WSPort != 9000 || config.Audio.SampleRate != 24000 {
				t.Errorf("File values not applied: %+v %+v", config.Server, config.Audio)
			}
			// Omitted keys keep their defaults.
			if config.Queues.SegmentQueueSize != Default().Queues.SegmentQueueSize {
				t.Errorf("Expected default segment queue size, got %d", config.Queues.SegmentQueueSize)
			}
		})
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Expected shipped config to load, got: %v", err)
	}
	if cfg.Audio.SafetyMarginSec != 1.0 {
		t.Errorf("Expected 1s safety margin, got %f", cfg.Audio.SafetyMarginSec)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"KIOSK_WS_PORT":               "9100",
		"KIOSK_LOG_LEVEL":             "debug",
		"KIOSK_TRANSCRIPTION_ENABLED": "true",
		"KIOSK_TRANSCRIPTION_API_KEY": "secret",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Server.WSPort != 9100 {
		t.Errorf("Expected ws port 9100, got %d", cfg.Server.WSPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
	if !cfg.Transcription.Enabled || cfg.Transcription.APIKey != "secret" {
		t.Errorf("Transcription overrides not applied: %+v", cfg.Transcription)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("Unset variables must not change values, http port is %d", cfg.HTTP.Port)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric port", "KIOSK_HTTP_PORT", "eighty"},
		{"non-boolean flag", "KIOSK_TCP_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				if key == tt.key {
					return tt.val, true
				}
				return "", false
			}
			if err := Default().ApplyEnv(lookup); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing env file should be ignored, got: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("KIOSK_TEST_ENV_FILE=loaded\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("KIOSK_TEST_ENV_FILE", "")
	os.Unsetenv("KIOSK_TEST_ENV_FILE")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("KIOSK_TEST_ENV_FILE"); got != "loaded" {
		t.Errorf("Expected variable from env file, got %q", got)
	}
}

func TestWarnings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		warning string
	}{
		{
			name:    "margin shorter than look-back",
			mutate:  func(c *Config) { c.Audio.SafetyMarginSec = 0.1 },
			warning: "safety_margin_sec",
		},
		{
			name:    "max segment longer than history",
			mutate:  func(c *Config) { c.Audio.HistoryBufferDurationSec = 10 },
			warning: "max_segment_ms",
		},
		{
			name:    "transcription without key",
			mutate:  func(c *Config) { c.Transcription.Enabled = true; c.Transcription.Endpoint = "http://asr" },
			warning: "api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			warnings := cfg.Warnings()
			if len(warnings) != 1 || !strings.Contains(warnings[0], tt.warning) {
				t.Errorf("Expected one warning about %s, got %v", tt.warning, warnings)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	audio := AudioConfig{
		HistoryBufferDurationSec: 2.5,
		SafetyMarginSec:          0.25,
	}

	if audio.GetHistoryDuration() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", audio.GetHistoryDuration())
	}

	if audio.GetSafetyMargin() != 250*time.Millisecond {
		t.Errorf("Expected 0.25 seconds, got %v", audio.GetSafetyMargin())
	}

	server := ServerConfig{IdleTimeout: 60}
	if server.GetIdleTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", server.GetIdleTimeoutDuration())
	}

	dec := DecoderConfig{JoinTimeoutMs: 1500}
	if dec.GetJoinTimeout() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", dec.GetJoinTimeout())
	}

	transcription := TranscriptionConfig{Timeout: 30}
	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}

	vad := VADConfig{FrameMs: 30, MinSpeechMs: 200}
	if vad.LookbackMs() != 210 {
		t.Errorf("Expected 210ms look-back, got %d", vad.LookbackMs())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name: "valid json to stdout",
			config: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			valid: true,
		},
		{
			name: "valid text to file",
			config: LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "/var/log/kiosk.log",
			},
			valid: true,
		},
		{
			name: "invalid log level",
			config: LoggingConfig{
				Level:  "trace",
				Format: "json",
				Output: "stdout",
			},
			valid: false,
		},
		{
			name: "invalid format",
			config: LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
