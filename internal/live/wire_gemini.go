package live

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiDialer connects through the Gemini Live API client.
type GeminiDialer struct {
	APIKey string
}

// Dial opens a Live session with audio responses and the configured voice.
func (d *GeminiDialer) Dial(ctx context.Context, cfg Config) (Wire, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	session, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open live session: %w", err)
	}
	return &geminiWire{session: session}, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	connect := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		connect.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		connect.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.InputTranscription {
		connect.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		connect.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return connect
}

type geminiWire struct {
	session *genai.Session
}

func (w *geminiWire) SendAudio(chunk Chunk) error {
	return w.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: chunk.MIMEType, Data: chunk.Data},
	})
}

func (w *geminiWire) SendVideo(chunk Chunk) error {
	return w.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Video: &genai.Blob{MIMEType: chunk.MIMEType, Data: chunk.Data},
	})
}

func (w *geminiWire) Recv() (ServerMessage, error) {
	msg, err := w.session.Receive()
	if err != nil {
		return ServerMessage{}, normalizeRecvError(err)
	}
	return fromGenai(msg), nil
}

func (w *geminiWire) Close() error {
	return w.session.Close()
}

// fromGenai flattens a genai server message into the backend-neutral shape.
func fromGenai(msg *genai.LiveServerMessage) ServerMessage {
	var out ServerMessage
	if msg == nil {
		return out
	}
	out.SetupComplete = msg.SetupComplete != nil
	if msg.GoAway != nil {
		out.GoAway = true
		out.GoAwayTimeLeft = fmt.Sprint(msg.GoAway.TimeLeft)
	}
	content := msg.ServerContent
	if content == nil {
		return out
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
			if part == nil || part.InlineData == nil {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out.Audio = append(out.Audio, part.InlineData.Data)
		}
	}
	out.Interrupted = content.Interrupted
	out.TurnComplete = content.TurnComplete
	return out
}
