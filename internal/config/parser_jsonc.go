package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Live       *jsoncLive       `json:"live"`
	Audio      *jsoncAudio      `json:"audio"`
	Vision     *jsoncVision     `json:"vision"`
	Transcript *jsoncTranscript `json:"transcript"`
	User       *jsoncUser       `json:"user"`
	History    *jsoncHistory    `json:"history"`
	Indicator  *jsoncIndicator  `json:"indicator"`
	Metrics    *jsoncMetrics    `json:"metrics"`
	Debug      *jsoncDebug      `json:"debug"`
}

type jsoncLive struct {
	Backend             *string `json:"backend"`
	Endpoint            *string `json:"endpoint"`
	Model               *string `json:"model"`
	Voice               *string `json:"voice"`
	APIKeyEnv           *string `json:"api_key_env"`
	SystemInstruction   *string `json:"system_instruction"`
	InputTranscription  *bool   `json:"input_transcription"`
	OutputTranscription *bool   `json:"output_transcription"`
	SendQueue           *int    `json:"send_queue"`
}

type jsoncAudio struct {
	Input        *string `json:"input"`
	Fallback     *string `json:"fallback"`
	Output       *string `json:"output"`
	FrameSamples *int    `json:"frame_samples"`
}

type jsoncVision struct {
	Device        *string `json:"device"`
	FFmpeg        *string `json:"ffmpeg"`
	IntervalMS    *int    `json:"interval_ms"`
	JPEGQuality   *int    `json:"jpeg_quality"`
	MaxWidth      *int    `json:"max_width"`
	CaptureWidth  *int    `json:"capture_width"`
	CaptureHeight *int    `json:"capture_height"`
}

type jsoncTranscript struct {
	DeltaMode *string `json:"delta_mode"`
}

type jsoncUser struct {
	Name   *string          `json:"name"`
	Memory *jsoncStringList `json:"memory"`
}

type jsoncHistory struct {
	Stdout    *bool       `json:"stdout"`
	JSONLPath *string     `json:"jsonl_path"`
	Kafka     *jsoncKafka `json:"kafka"`
}

type jsoncKafka struct {
	Brokers *jsoncStringList `json:"brokers"`
	Topic   *string          `json:"topic"`
}

type jsoncIndicator struct {
	Enable         *bool   `json:"enable"`
	Backend        *string `json:"backend"`
	DesktopAppName *string `json:"desktop_app_name"`
	SoundEnable    *bool   `json:"sound_enable"`
	ErrorTimeoutMS *int    `json:"error_timeout_ms"`
}

type jsoncMetrics struct {
	Listen *string `json:"listen"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
	EventDump *bool `json:"event_dump"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if live := payload.Live; live != nil {
		setString(&cfg.Live.Backend, live.Backend)
		setString(&cfg.Live.Endpoint, live.Endpoint)
		setString(&cfg.Live.Model, live.Model)
		setString(&cfg.Live.Voice, live.Voice)
		setString(&cfg.Live.APIKeyEnv, live.APIKeyEnv)
		if live.SystemInstruction != nil {
			cfg.Live.SystemInstruction = *live.SystemInstruction
		}
		setBool(&cfg.Live.InputTranscription, live.InputTranscription)
		setBool(&cfg.Live.OutputTranscription, live.OutputTranscription)
		setInt(&cfg.Live.SendQueue, live.SendQueue)
	}

	if audio := payload.Audio; audio != nil {
		if audio.Input != nil {
			cfg.Audio.Input = *audio.Input
		}
		if audio.Fallback != nil {
			cfg.Audio.Fallback = *audio.Fallback
		}
		setString(&cfg.Audio.Output, audio.Output)
		setInt(&cfg.Audio.FrameSamples, audio.FrameSamples)
	}

	if vision := payload.Vision; vision != nil {
		setString(&cfg.Vision.Device, vision.Device)
		if vision.FFmpeg != nil {
			raw := *vision.FFmpeg
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid vision.ffmpeg: %w", err)
			}
			cfg.Vision.FFmpeg = CommandConfig{Raw: raw, Argv: argv}
		}
		setInt(&cfg.Vision.IntervalMS, vision.IntervalMS)
		setInt(&cfg.Vision.JPEGQuality, vision.JPEGQuality)
		setInt(&cfg.Vision.MaxWidth, vision.MaxWidth)
		setInt(&cfg.Vision.CaptureWidth, vision.CaptureWidth)
		setInt(&cfg.Vision.CaptureHeight, vision.CaptureHeight)
	}

	if payload.Transcript != nil {
		setString(&cfg.Transcript.DeltaMode, payload.Transcript.DeltaMode)
	}

	if user := payload.User; user != nil {
		setString(&cfg.User.Name, user.Name)
		if user.Memory != nil {
			cfg.User.Memory = trimList(*user.Memory)
		}
	}

	if history := payload.History; history != nil {
		setBool(&cfg.History.Stdout, history.Stdout)
		setString(&cfg.History.JSONLPath, history.JSONLPath)
		if history.Kafka != nil {
			if history.Kafka.Brokers != nil {
				cfg.History.Kafka.Brokers = trimList(*history.Kafka.Brokers)
			}
			setString(&cfg.History.Kafka.Topic, history.Kafka.Topic)
		}
	}

	if indicator := payload.Indicator; indicator != nil {
		setBool(&cfg.Indicator.Enable, indicator.Enable)
		setString(&cfg.Indicator.Backend, indicator.Backend)
		setString(&cfg.Indicator.DesktopAppName, indicator.DesktopAppName)
		setBool(&cfg.Indicator.SoundEnable, indicator.SoundEnable)
		setInt(&cfg.Indicator.ErrorTimeoutMS, indicator.ErrorTimeoutMS)
	}

	if payload.Metrics != nil {
		setString(&cfg.Metrics.Listen, payload.Metrics.Listen)
	}

	if payload.Debug != nil {
		setBool(&cfg.Debug.EnableAudioDump, payload.Debug.AudioDump)
		setBool(&cfg.Debug.EnableEventDump, payload.Debug.EventDump)
	}

	if payload.User != nil && payload.User.Memory != nil && len(cfg.User.Memory) > 32 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("user.memory has %d entries; long memory lists slow the first response", len(cfg.User.Memory))})
	}

	return warnings, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
