package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rbright/parlo/internal/live"
)

// createDebugFile creates timestamped debug artifacts under state/parlo/debug.
func createDebugFile(prefix string, extension string) (*os.File, error) {
	stateDir, err := resolveStateDir()
	if err != nil {
		return nil, err
	}
	debugDir := filepath.Join(stateDir, "parlo", "debug")
	if err := os.MkdirAll(debugDir, 0o700); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(debugDir, fmt.Sprintf("%s-%s.%s", prefix, timestamp, extension))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug file %q: %w", path, err)
	}
	return file, nil
}

// resolveStateDir returns XDG_STATE_HOME fallback path for debug artifacts.
func resolveStateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for state: %w", err)
	}
	return filepath.Join(home, ".local", "state"), nil
}

func writeDebugAudio(pcm []byte, sampleRate int) error {
	file, err := createDebugFile("audio", "wav")
	if err != nil {
		return err
	}
	defer file.Close()
	return writePCM16WAV(file, pcm, sampleRate, 1)
}

// writePCM16WAV writes raw little-endian PCM bytes with a minimal WAV header.
func writePCM16WAV(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	byteRate := sampleRate * channels * (bitsPerSample / 8)
	blockAlign := channels * (bitsPerSample / 8)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := file.Write(header); err != nil {
		return err
	}
	_, err := file.Write(pcm)
	return err
}

// EventDump appends inbound transport events as JSON lines for debugging.
type EventDump struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

type dumpRecord struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Source     string    `json:"source,omitempty"`
	Text       string    `json:"text,omitempty"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// OpenEventDump creates a new events-*.jsonl file.
func OpenEventDump() (*EventDump, error) {
	file, err := createDebugFile("events", "jsonl")
	if err != nil {
		return nil, err
	}
	return &EventDump{file: file, enc: json.NewEncoder(file)}, nil
}

// Path returns the dump file location.
func (d *EventDump) Path() string {
	if d == nil || d.file == nil {
		return ""
	}
	return d.file.Name()
}

// Write records one event. A nil dump ignores the call.
func (d *EventDump) Write(ev live.Event) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.enc.Encode(dumpRecord{
		Time:       time.Now().UTC(),
		Kind:       string(ev.Kind),
		Source:     string(ev.Source),
		Text:       ev.Text,
		AudioBytes: len(ev.Audio),
		Reason:     ev.Reason,
	})
}

// Close flushes and closes the file.
func (d *EventDump) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
