package live

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
)

// Backend names accepted by NewDialer.
const (
	BackendGemini    = "gemini"
	BackendWebsocket = "websocket"
)

// DefaultEndpoint is the public BidiGenerateContent websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// DialerOptions carry backend credentials and addressing.
type DialerOptions struct {
	APIKey   string
	Endpoint string
}

// NewDialer returns the Dialer for a configured backend name.
func NewDialer(backend string, opts DialerOptions) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGemini:
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, errors.New("gemini backend requires an API key")
		}
		return &GeminiDialer{APIKey: opts.APIKey}, nil
	case BackendWebsocket:
		endpoint := strings.TrimSpace(opts.Endpoint)
		if endpoint == "" {
			endpoint = DefaultEndpoint
		}
		return &WebsocketDialer{Endpoint: endpoint, APIKey: opts.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported live backend %q", backend)
	}
}

// normalizeRecvError maps clean websocket closes onto ErrRemoteClosed.
func normalizeRecvError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrRemoteClosed, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return fmt.Errorf("%w: %w", ErrRemoteClosed, err)
		}
		return fmt.Errorf("live session closed with code %d: %s", closeErr.Code, closeErr.Text)
	}
	return err
}
