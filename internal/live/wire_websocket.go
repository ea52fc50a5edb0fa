package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/parlo/internal/encode"
)

// WebsocketDialer speaks the BidiGenerateContent JSON protocol directly,
// for proxies and self-hosted gateways.
type WebsocketDialer struct {
	Endpoint string
	APIKey   string
	Header   http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// WriteTimeout bounds each frame write. Zero means 5s.
	WriteTimeout time.Duration
}

type wsSetupEnvelope struct {
	Setup wsSetup `json:"setup"`
}

type wsSetup struct {
	Model                    string             `json:"model"`
	GenerationConfig         wsGenerationConfig `json:"generationConfig"`
	SystemInstruction        *wsContent         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type wsGenerationConfig struct {
	ResponseModalities []string        `json:"responseModalities"`
	SpeechConfig       *wsSpeechConfig `json:"speechConfig,omitempty"`
}

type wsSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type wsContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []wsPart `json:"parts"`
}

type wsPart struct {
	Text       string  `json:"text,omitempty"`
	InlineData *wsBlob `json:"inlineData,omitempty"`
}

type wsBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wsRealtimeEnvelope struct {
	RealtimeInput wsRealtimeInput `json:"realtimeInput"`
}

type wsRealtimeInput struct {
	Audio *wsBlob `json:"audio,omitempty"`
	Video *wsBlob `json:"video,omitempty"`
}

type wsServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn           *wsContent       `json:"modelTurn,omitempty"`
		TurnComplete        bool             `json:"turnComplete,omitempty"`
		Interrupted         bool             `json:"interrupted,omitempty"`
		InputTranscription  *wsTranscription `json:"inputTranscription,omitempty"`
		OutputTranscription *wsTranscription `json:"outputTranscription,omitempty"`
	} `json:"serverContent,omitempty"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft,omitempty"`
	} `json:"goAway,omitempty"`
}

type wsTranscription struct {
	Text string `json:"text"`
}

// setupMessage builds the first client frame for cfg.
func setupMessage(cfg Config) wsSetupEnvelope {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := wsSetup{
		Model: model,
		GenerationConfig: wsGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if cfg.Voice != "" {
		speech := &wsSpeechConfig{}
		speech.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		setup.GenerationConfig.SpeechConfig = speech
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.SystemInstruction = &wsContent{Parts: []wsPart{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		setup.OutputAudioTranscription = &struct{}{}
	}
	return wsSetupEnvelope{Setup: setup}
}

// Dial connects, sends setup, and waits for setupComplete.
func (d *WebsocketDialer) Dial(ctx context.Context, cfg Config) (Wire, error) {
	target, err := d.url()
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", redactKey(target), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redactKey(target), err)
	}

	w := &websocketWire{conn: conn, writeTimeout: d.WriteTimeout}
	if w.writeTimeout <= 0 {
		w.writeTimeout = 5 * time.Second
	}

	// Unblock the handshake read if ctx is cancelled.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-handshakeDone:
		}
	}()
	err = w.handshake(cfg)
	close(handshakeDone)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return w, nil
}

func (d *WebsocketDialer) url() (string, error) {
	parsed, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse live endpoint: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("live endpoint must use ws or wss, got %q", parsed.Scheme)
	}
	if d.APIKey != "" {
		q := parsed.Query()
		q.Set("key", d.APIKey)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func redactKey(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := parsed.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

type websocketWire struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (w *websocketWire) handshake(cfg Config) error {
	if err := w.writeJSON(setupMessage(cfg)); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	for {
		msg, err := w.read()
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (w *websocketWire) SendAudio(chunk Chunk) error {
	return w.writeJSON(wsRealtimeEnvelope{RealtimeInput: wsRealtimeInput{
		Audio: &wsBlob{MIMEType: chunk.MIMEType, Data: encode.Base64(chunk.Data)},
	}})
}

func (w *websocketWire) SendVideo(chunk Chunk) error {
	return w.writeJSON(wsRealtimeEnvelope{RealtimeInput: wsRealtimeInput{
		Video: &wsBlob{MIMEType: chunk.MIMEType, Data: encode.Base64(chunk.Data)},
	}})
}

func (w *websocketWire) Recv() (ServerMessage, error) {
	msg, err := w.read()
	if err != nil {
		return ServerMessage{}, err
	}
	return msg.toServerMessage()
}

func (w *websocketWire) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeTimeout),
	)
	w.writeMu.Unlock()
	return w.conn.Close()
}

func (w *websocketWire) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// read accepts text and binary frames; the server sends JSON in both.
func (w *websocketWire) read() (wsServerMessage, error) {
	for {
		kind, payload, err := w.conn.ReadMessage()
		if err != nil {
			return wsServerMessage{}, normalizeRecvError(err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		var msg wsServerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return wsServerMessage{}, fmt.Errorf("decode server frame: %w", err)
		}
		return msg, nil
	}
}

func (m wsServerMessage) toServerMessage() (ServerMessage, error) {
	out := ServerMessage{SetupComplete: m.SetupComplete != nil}
	if m.GoAway != nil {
		out.GoAway = true
		out.GoAwayTimeLeft = m.GoAway.TimeLeft
	}
	content := m.ServerContent
	if content == nil {
		return out, nil
	}
	if content.InputTranscription != nil {
		text := content.InputTranscription.Text
		out.InputTranscript = &text
	}
	if content.OutputTranscription != nil {
		text := content.OutputTranscription.Text
		out.OutputTranscript = &text
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			data, err := encode.DecodeBase64(part.InlineData.Data)
			if err != nil {
				return ServerMessage{}, fmt.Errorf("decode inline audio: %w", err)
			}
			out.Audio = append(out.Audio, data)
		}
	}
	out.Interrupted = content.Interrupted
	out.TurnComplete = content.TurnComplete
	return out, nil
}
