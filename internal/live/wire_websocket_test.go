package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rbright/parlo/internal/encode"
)

type fakeLiveServer struct {
	t        *testing.T
	setup    chan map[string]any
	received chan map[string]any
	script   func(conn *websocket.Conn)
	query    chan string
}

func newFakeLiveServer(t *testing.T, script func(conn *websocket.Conn)) (*fakeLiveServer, string) {
	t.Helper()
	s := &fakeLiveServer{
		t:        t,
		setup:    make(chan map[string]any, 1),
		received: make(chan map[string]any, 32),
		script:   script,
		query:    make(chan string, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		s.setup <- setup
		if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			return
		}

		go func() {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				s.received <- msg
			}
		}()
		if s.script != nil {
			s.script(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialerHandshakeSendsSetup(t *testing.T) {
	server, url := newFakeLiveServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
	})

	dialer := &WebsocketDialer{Endpoint: url, APIKey: "secret"}
	wire, err := dialer.Dial(context.Background(), Config{
		Model:               "gemini-test",
		Voice:               "Zephyr",
		SystemInstruction:   "be brief",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	require.NoError(t, err)
	defer wire.Close()

	require.Equal(t, "key=secret", <-server.query)

	setup := (<-server.setup)["setup"].(map[string]any)
	require.Equal(t, "models/gemini-test", setup["model"])
	gen := setup["generationConfig"].(map[string]any)
	require.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	require.Equal(t, "Zephyr", voice["voiceName"])
	require.Contains(t, setup, "inputAudioTranscription")
	require.Contains(t, setup, "outputAudioTranscription")
	parts := setup["systemInstruction"].(map[string]any)["parts"].([]any)
	require.Equal(t, "be brief", parts[0].(map[string]any)["text"])
}

func TestWebsocketWireSendsBase64Media(t *testing.T) {
	server, url := newFakeLiveServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})

	wire, err := (&WebsocketDialer{Endpoint: url}).Dial(context.Background(), Config{Model: "m"})
	require.NoError(t, err)
	defer wire.Close()
	<-server.setup

	require.NoError(t, wire.SendAudio(Chunk{MIMEType: encode.InputMIMEType, Data: []byte{1, 2, 3}}))
	require.NoError(t, wire.SendVideo(Chunk{MIMEType: encode.JPEGMIMEType, Data: []byte{0xff, 0xd8}}))

	audio := (<-server.received)["realtimeInput"].(map[string]any)["audio"].(map[string]any)
	require.Equal(t, "audio/pcm;rate=16000", audio["mimeType"])
	require.Equal(t, encode.Base64([]byte{1, 2, 3}), audio["data"])

	video := (<-server.received)["realtimeInput"].(map[string]any)["video"].(map[string]any)
	require.Equal(t, "image/jpeg", video["mimeType"])
}

func TestWebsocketWireDecodesServerContent(t *testing.T) {
	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	_, url := newFakeLiveServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hello there"},
				"outputTranscription": map[string]any{"text": "hi"},
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": encode.Base64(pcm)}},
					map[string]any{"text": "ignored"},
				}},
			},
		})
		payload, _ := json.Marshal(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		_ = conn.WriteMessage(websocket.BinaryMessage, payload)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})

	wire, err := (&WebsocketDialer{Endpoint: url}).Dial(context.Background(), Config{Model: "m"})
	require.NoError(t, err)
	defer wire.Close()

	msg, err := wire.Recv()
	require.NoError(t, err)
	require.Equal(t, "hello there", *msg.InputTranscript)
	require.Equal(t, "hi", *msg.OutputTranscript)
	require.Equal(t, [][]byte{pcm}, msg.Audio)

	msg, err = wire.Recv()
	require.NoError(t, err)
	require.True(t, msg.TurnComplete)

	_, err = wire.Recv()
	require.ErrorIs(t, err, ErrRemoteClosed)
}

func TestWebsocketTransportEndToEnd(t *testing.T) {
	_, url := newFakeLiveServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		time.Sleep(300 * time.Millisecond)
	})

	tr := New(Config{}, &WebsocketDialer{Endpoint: url}, nil)
	require.NoError(t, tr.Connect(context.Background()))

	ev := <-tr.Events()
	require.Equal(t, EventInterrupted, ev.Kind)

	require.NoError(t, tr.Close())
	events := drain(t, tr.Events())
	require.Len(t, events, 1)
	require.Equal(t, ReasonLocal, events[0].Reason)
}

func TestWebsocketDialerRejectsBadEndpoint(t *testing.T) {
	_, err := (&WebsocketDialer{Endpoint: "http://example.com"}).Dial(context.Background(), Config{})
	require.Error(t, err)
}

func TestWebsocketDialerHonoursCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never answer setup.
		_, _, _ = conn.ReadMessage()
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := (&WebsocketDialer{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")}).Dial(ctx, Config{Model: "m"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedactKey(t *testing.T) {
	require.Equal(t, "wss://host/path?key=REDACTED", redactKey("wss://host/path?key=abc"))
	require.Equal(t, "wss://host/path", redactKey("wss://host/path"))
}

func TestNewDialer(t *testing.T) {
	d, err := NewDialer("websocket", DialerOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultEndpoint, d.(*WebsocketDialer).Endpoint)

	d, err = NewDialer("", DialerOptions{APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &GeminiDialer{}, d)

	_, err = NewDialer("gemini", DialerOptions{})
	require.Error(t, err)

	_, err = NewDialer("carrier-pigeon", DialerOptions{})
	require.Error(t, err)
}

func TestNormalizeRecvError(t *testing.T) {
	require.NoError(t, normalizeRecvError(nil))
	require.ErrorIs(t, normalizeRecvError(&websocket.CloseError{Code: websocket.CloseNormalClosure}), ErrRemoteClosed)
	require.ErrorIs(t, normalizeRecvError(&websocket.CloseError{Code: websocket.CloseGoingAway}), ErrRemoteClosed)

	err := normalizeRecvError(&websocket.CloseError{Code: 1011, Text: "internal"})
	require.NotErrorIs(t, err, ErrRemoteClosed)
	require.Contains(t, err.Error(), "1011")
}
