package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOSK_"

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Queues        QueuesConfig        `yaml:"queues"`
	Decoder       DecoderConfig       `yaml:"decoder"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Debug         DebugConfig         `yaml:"debug"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains ingest (WebSocket and framed TCP) configuration
type ServerConfig struct {
	BindAddress       string   `yaml:"bind_address"`
	WSPort            int      `yaml:"ws_port"`
	WSPath            string   `yaml:"ws_path"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	TCPEnabled        bool     `yaml:"tcp_enabled"`
	TCPPort           int      `yaml:"tcp_port"`
	MaxConnections    int      `yaml:"max_connections"`
	MaxMessageBytes   int      `yaml:"max_message_bytes"`
	IdleTimeout       int      `yaml:"idle_timeout"` // seconds
	MessagesPerSecond float64  `yaml:"messages_per_second"`
	MessageBurst      int      `yaml:"message_burst"`
}

// HTTPConfig contains monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains canonical PCM and segment assembly parameters
type AudioConfig struct {
	SampleRate               int     `yaml:"sample_rate"`
	Channels                 int     `yaml:"channels"`
	SampleFormat             string  `yaml:"sample_format"`
	ChunkSizeMs              int     `yaml:"chunk_size_ms"`
	HistoryBufferDurationSec float64 `yaml:"history_buffer_duration_sec"`
	SafetyMarginSec          float64 `yaml:"safety_margin_sec"`
}

// QueuesConfig sizes the per-connection pipeline queues
type QueuesConfig struct {
	RawQueueSize      int `yaml:"raw_queue_size"`
	PCMQueueSize      int `yaml:"pcm_queue_size"`
	ChunkQueueMaxsize int `yaml:"chunk_queue_maxsize"`
	SegmentQueueSize  int `yaml:"segment_queue_size"`
}

// DecoderConfig contains container decoder parameters
type DecoderConfig struct {
	InputQueueSize  int `yaml:"input_queue_size"`
	OutputQueueSize int `yaml:"output_queue_size"`
	JoinTimeoutMs   int `yaml:"join_timeout_ms"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Model                string  `yaml:"model"`
	FrameMs              int     `yaml:"frame_ms"`
	Threshold            float64 `yaml:"threshold"`
	SilenceThreshold     float64 `yaml:"silence_threshold"`
	MinSpeechMs          int     `yaml:"min_speech_ms"`
	MinSilenceMs         int     `yaml:"min_silence_ms"`
	MaxSegmentMs         int     `yaml:"max_segment_ms"`
	ResetOnDetectorError bool    `yaml:"reset_on_detector_error"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// DebugConfig controls the WAV segment sink
type DebugConfig struct {
	SaveSegments bool   `yaml:"save_segments"`
	SegmentDir   string `yaml:"segment_dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:       "0.0.0.0",
			WSPort:            8000,
			WSPath:            "/api/audio/ws/",
			AllowedOrigins:    []string{"*"},
			TCPEnabled:        false,
			TCPPort:           4444,
			MaxConnections:    100,
			MaxMessageBytes:   1 << 20,
			IdleTimeout:       60,
			MessagesPerSecond: 50,
			MessageBurst:      100,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:               16000,
			Channels:                 1,
			SampleFormat:             "s16",
			ChunkSizeMs:              200,
			HistoryBufferDurationSec: 30,
			SafetyMarginSec:          1,
		},
		Queues: QueuesConfig{
			RawQueueSize:      64,
			PCMQueueSize:      64,
			ChunkQueueMaxsize: 32,
			SegmentQueueSize:  16,
		},
		Decoder: DecoderConfig{
			InputQueueSize:  32,
			OutputQueueSize: 32,
			JoinTimeoutMs:   2000,
		},
		VAD: VADConfig{
			Model:                "energy",
			FrameMs:              20,
			Threshold:            0.02,
			SilenceThreshold:     0.01,
			MinSpeechMs:          200,
			MinSilenceMs:         500,
			MaxSegmentMs:         20000,
			ResetOnDetectorError: true,
		},
		Transcription: TranscriptionConfig{
			Enabled:       false,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			OutputFormat:  "json",
		},
		Debug: DebugConfig{
			SegmentDir: "./segments",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. A missing file is not an error. Variables that are already
// set win over the file.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses the configuration file, applies KIOSK_*
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides selected keys from the environment. lookup is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BIND_ADDRESS":           &c.Server.BindAddress,
		"HTTP_ADDRESS":           &c.HTTP.Address,
		"LOG_LEVEL":              &c.Logging.Level,
		"LOG_FORMAT":             &c.Logging.Format,
		"TRANSCRIPTION_ENDPOINT": &c.Transcription.Endpoint,
		"TRANSCRIPTION_API_KEY":  &c.Transcription.APIKey,
		"SEGMENT_DIR":            &c.Debug.SegmentDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WS_PORT":         &c.Server.WSPort,
		"TCP_PORT":        &c.Server.TCPPort,
		"HTTP_PORT":       &c.HTTP.Port,
		"MAX_CONNECTIONS": &c.Server.MaxConnections,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s must be an integer, got %q", EnvPrefix, key, v)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"TCP_ENABLED":           &c.Server.TCPEnabled,
		"TRANSCRIPTION_ENABLED": &c.Transcription.Enabled,
		"SAVE_SEGMENTS":         &c.Debug.SaveSegments,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s must be a boolean, got %q", EnvPrefix, key, v)
		}
		*dst = b
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Queues.Validate(); err != nil {
		return fmt.Errorf("queues config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Debug.Validate(); err != nil {
		return fmt.Errorf("debug config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Warnings reports settings that are valid but risky.
func (c *Config) Warnings() []string {
	var warnings []string

	lookback := c.VAD.LookbackMs()
	if margin := c.Audio.GetSafetyMargin().Milliseconds(); margin < lookback {
		warnings = append(warnings, fmt.Sprintf(
			"safety_margin_sec (%dms) is shorter than the detector look-back (%dms); segment starts may fall before the retained history",
			margin, lookback))
	}

	if c.VAD.MaxSegmentMs > 0 && time.Duration(c.VAD.MaxSegmentMs)*time.Millisecond > c.Audio.GetHistoryDuration() {
		warnings = append(warnings, fmt.Sprintf(
			"max_segment_ms (%d) exceeds the history buffer (%.1fs); long segments will underflow",
			c.VAD.MaxSegmentMs, c.Audio.HistoryBufferDurationSec))
	}

	if c.Transcription.Enabled && c.Transcription.APIKey == "" {
		warnings = append(warnings, "transcription is enabled without an api_key")
	}

	return warnings
}

// Validate validates ingest server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.WSPort < 1 || s.WSPort > 65535 {
		return fmt.Errorf("ws_port must be between 1 and 65535, got %d", s.WSPort)
	}

	if s.WSPath == "" || s.WSPath[0] != '/' || s.WSPath[len(s.WSPath)-1] != '/' {
		return fmt.Errorf("ws_path must start and end with '/', got '%s'", s.WSPath)
	}

	if s.TCPEnabled {
		if s.TCPPort < 1 || s.TCPPort > 65535 {
			return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
		}
		if s.TCPPort == s.WSPort {
			return fmt.Errorf("tcp_port and ws_port must differ, both are %d", s.TCPPort)
		}
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024 bytes, got %d", s.MaxMessageBytes)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.MessagesPerSecond <= 0 {
		return fmt.Errorf("messages_per_second must be positive, got %f", s.MessagesPerSecond)
	}

	if s.MessageBurst < 1 {
		return fmt.Errorf("message_burst must be at least 1, got %d", s.MessageBurst)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for segment assembly, got %d", a.Channels)
	}

	if a.SampleFormat != "s16" {
		return fmt.Errorf("sample_format must be 's16', got '%s'", a.SampleFormat)
	}

	if a.ChunkSizeMs < 10 || a.ChunkSizeMs > 5000 {
		return fmt.Errorf("chunk_size_ms must be between 10 and 5000, got %d", a.ChunkSizeMs)
	}

	if a.HistoryBufferDurationSec*1000 < float64(a.ChunkSizeMs) {
		return fmt.Errorf("history_buffer_duration_sec (%f) must hold at least one chunk (%d ms)",
			a.HistoryBufferDurationSec, a.ChunkSizeMs)
	}

	if a.SafetyMarginSec < 0 || a.SafetyMarginSec >= a.HistoryBufferDurationSec {
		return fmt.Errorf("safety_margin_sec (%f) must be in [0, history_buffer_duration_sec (%f))",
			a.SafetyMarginSec, a.HistoryBufferDurationSec)
	}

	return nil
}

// Validate validates queue sizes
func (q *QueuesConfig) Validate() error {
	sizes := []struct {
		name  string
		value int
	}{
		{"raw_queue_size", q.RawQueueSize},
		{"pcm_queue_size", q.PCMQueueSize},
		{"chunk_queue_maxsize", q.ChunkQueueMaxsize},
		{"segment_queue_size", q.SegmentQueueSize},
	}
	for _, s := range sizes {
		if s.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", s.name, s.value)
		}
	}

	return nil
}

// Validate validates decoder configuration
func (d *DecoderConfig) Validate() error {
	if d.InputQueueSize < 1 {
		return fmt.Errorf("input_queue_size must be at least 1, got %d", d.InputQueueSize)
	}

	if d.OutputQueueSize < 1 {
		return fmt.Errorf("output_queue_size must be at least 1, got %d", d.OutputQueueSize)
	}

	if d.JoinTimeoutMs < 10 {
		return fmt.Errorf("join_timeout_ms must be at least 10, got %d", d.JoinTimeoutMs)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Model != "energy" {
		return fmt.Errorf("model must be 'energy', got '%s'", v.Model)
	}

	if v.FrameMs < 5 || v.FrameMs > 100 {
		return fmt.Errorf("frame_ms must be between 5 and 100, got %d", v.FrameMs)
	}

	if v.Threshold <= 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.SilenceThreshold <= 0 || v.SilenceThreshold > v.Threshold {
		return fmt.Errorf("silence_threshold must be between 0 and threshold (%f), got %f", v.Threshold, v.SilenceThreshold)
	}

	if v.MinSpeechMs < v.FrameMs {
		return fmt.Errorf("min_speech_ms must be at least frame_ms (%d), got %d", v.FrameMs, v.MinSpeechMs)
	}

	if v.MinSilenceMs < v.FrameMs {
		return fmt.Errorf("min_silence_ms must be at least frame_ms (%d), got %d", v.FrameMs, v.MinSilenceMs)
	}

	if v.MaxSegmentMs != 0 && v.MaxSegmentMs <= v.MinSpeechMs {
		return fmt.Errorf("max_segment_ms must be 0 or greater than min_speech_ms (%d), got %d", v.MinSpeechMs, v.MaxSegmentMs)
	}

	return nil
}

// LookbackMs returns how far before its reporting chunk the detector can
// place a segment start.
func (v *VADConfig) LookbackMs() int64 {
	frames := (v.MinSpeechMs + v.FrameMs - 1) / v.FrameMs
	return int64(frames * v.FrameMs)
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when transcription is enabled")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates the debug sink configuration
func (d *DebugConfig) Validate() error {
	if d.SaveSegments && d.SegmentDir == "" {
		return fmt.Errorf("segment_dir cannot be empty when save_segments is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetHistoryDuration returns the history buffer length as a time.Duration
func (a *AudioConfig) GetHistoryDuration() time.Duration {
	return time.Duration(a.HistoryBufferDurationSec * float64(time.Second))
}

// GetSafetyMargin returns the trim margin as a time.Duration
func (a *AudioConfig) GetSafetyMargin() time.Duration {
	return time.Duration(a.SafetyMarginSec * float64(time.Second))
}

// GetJoinTimeout returns the decoder join timeout as a time.Duration
func (d *DecoderConfig) GetJoinTimeout() time.Duration {
	return time.Duration(d.JoinTimeoutMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
