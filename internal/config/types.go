// Package config resolves, parses, validates, and defaults parlo configuration.
package config

// Config is the fully materialized runtime configuration used by parlo.
type Config struct {
	Live       LiveConfig
	Audio      AudioConfig
	Vision     VisionConfig
	Transcript TranscriptConfig
	User       UserConfig
	History    HistoryConfig
	Indicator  IndicatorConfig
	Metrics    MetricsConfig
	Debug      DebugConfig
}

// LiveConfig addresses the remote conversation model.
type LiveConfig struct {
	Backend             string
	Endpoint            string
	Model               string
	Voice               string
	APIKeyEnv           string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
	SendQueue           int
}

// AudioConfig controls microphone selection, speaker selection, and frame size.
type AudioConfig struct {
	Input        string
	Fallback     string
	Output       string
	FrameSamples int
}

// VisionConfig controls camera capture and frame pacing in vision mode.
type VisionConfig struct {
	Device        string
	FFmpeg        CommandConfig
	IntervalMS    int
	JPEGQuality   int
	MaxWidth      int
	CaptureWidth  int
	CaptureHeight int
}

// TranscriptConfig controls how streamed fragments are merged.
type TranscriptConfig struct {
	DeltaMode string
}

// UserConfig carries the context folded into the system instruction.
type UserConfig struct {
	Name   string
	Memory []string
}

// HistoryConfig selects where finalized turns are published.
type HistoryConfig struct {
	Stdout    bool
	JSONLPath string
	Kafka     KafkaConfig
}

// KafkaConfig addresses the optional history topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// IndicatorConfig controls user-visible notices and audio cue behavior.
type IndicatorConfig struct {
	Enable         bool
	Backend        string
	DesktopAppName string
	SoundEnable    bool
	ErrorTimeoutMS int
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
	EnableEventDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
