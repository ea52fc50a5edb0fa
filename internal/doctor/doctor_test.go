package doctor

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/config"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestReportOKAllPassing(t *testing.T) {
	report := Report{Checks: []Check{{Name: "one", Pass: true}, {Name: "two", Pass: true}}}
	require.True(t, report.OK())
}

func TestCheckEnv(t *testing.T) {
	t.Setenv("TEST_DOCTOR_ENV", "wayland")

	check := checkEnv(
		"TEST_DOCTOR_ENV",
		func(v string) bool { return strings.EqualFold(v, "wayland") },
		"looks good",
		"unexpected",
	)

	require.True(t, check.Pass)
	require.Equal(t, "looks good", check.Message)
}

func TestCheckAPIKey(t *testing.T) {
	cfg := config.Default().Live
	cfg.APIKeyEnv = "PARLO_DOCTOR_TEST_KEY"

	t.Setenv("PARLO_DOCTOR_TEST_KEY", "")
	check := checkAPIKey(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "PARLO_DOCTOR_TEST_KEY is not set")

	t.Setenv("PARLO_DOCTOR_TEST_KEY", "secret")
	check = checkAPIKey(cfg)
	require.True(t, check.Pass)
	require.NotContains(t, check.Message, "secret")

	t.Setenv("PARLO_DOCTOR_TEST_KEY", "")
	cfg.Backend = "websocket"
	check = checkAPIKey(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "optional")

	cfg.APIKeyEnv = ""
	require.False(t, checkAPIKey(cfg).Pass)
}

func TestEndpointAddr(t *testing.T) {
	addr, err := endpointAddr("wss://example.test/ws")
	require.NoError(t, err)
	require.Equal(t, "example.test:443", addr)

	addr, err = endpointAddr("ws://127.0.0.1:9000/live")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", addr)

	_, err = endpointAddr("ftp://example.test")
	require.ErrorContains(t, err, "unsupported scheme")

	_, err = endpointAddr("/just/a/path")
	require.ErrorContains(t, err, "no host")
}

func TestCheckLiveEndpointDialsWebsocketHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	cfg := config.Default().Live
	cfg.Backend = "websocket"
	cfg.Endpoint = "ws://127.0.0.1:" + strconv.Itoa(port) + "/live"

	check := checkLiveEndpoint(cfg)
	require.True(t, check.Pass, check.Message)
	require.Contains(t, check.Message, "reachable")

	require.NoError(t, listener.Close())
	check = checkLiveEndpoint(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "dial")
}

func TestCheckLiveEndpointGeminiReportsModel(t *testing.T) {
	check := checkLiveEndpoint(config.Default().Live)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "gemini-2.5-flash")
}

func TestCheckCommandEmpty(t *testing.T) {
	check := checkCommand(nil, "vision.ffmpeg")
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "command is empty")
}

func TestCheckBinaryMissing(t *testing.T) {
	check := checkBinary("definitely-not-a-real-binary", "unused")
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "binary not found")
}

func TestCheckCommandUsesBinaryFromPath(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/usr/bin/env sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))

	check := checkCommand([]string{"fake-ffmpeg", "-hide_banner"}, "vision.ffmpeg")
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "vision.ffmpeg command is available")
}

func TestCheckCamera(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "video0")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	require.True(t, checkCamera(device).Pass)
	require.False(t, checkCamera(dir).Pass)
	require.False(t, checkCamera(filepath.Join(dir, "missing")).Pass)
}

func TestMatchOutput(t *testing.T) {
	outputs := []audio.Device{
		{ID: "alsa_output.usb", Description: "USB Headset"},
		{ID: "alsa_output.pci", Description: "Speakers", Default: true},
	}

	check := matchOutput(outputs, "default")
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "alsa_output.pci")

	check = matchOutput(outputs, "usb headset")
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "alsa_output.usb")

	check = matchOutput(outputs, "hdmi")
	require.False(t, check.Pass)
	require.Contains(t, check.Message, `"hdmi" not found`)

	require.False(t, matchOutput(nil, "").Pass)
}

func TestCheckWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "history")
	check := checkWritableDir(dir, "history.jsonl")
	require.True(t, check.Pass, check.Message)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCheckKafkaUnreachableBroker(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	check := checkKafka(config.KafkaConfig{Brokers: []string{addr}, Topic: "parlo.turns"})
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "no broker reachable")
}

func TestCheckAudioSelectionFailureWithInvalidPulseServer(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	check := checkAudioSelection(config.Default())
	require.False(t, check.Pass)
	require.Equal(t, "audio.input", check.Name)
}

func TestRunIncludesHistoryChecksWhenConfigured(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	t.Setenv("GEMINI_API_KEY", "")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	broker := listener.Addr().String()
	require.NoError(t, listener.Close())

	cfg := config.Default()
	cfg.History.JSONLPath = filepath.Join(t.TempDir(), "turns.jsonl")
	cfg.History.Kafka = config.KafkaConfig{Brokers: []string{broker}, Topic: "parlo.turns"}

	report := Run(config.Loaded{Path: "/tmp/config.jsonc", Config: cfg})
	require.False(t, report.OK())

	names := map[string]bool{}
	for _, check := range report.Checks {
		names[check.Name] = true
	}
	require.True(t, names["config"])
	require.True(t, names["GEMINI_API_KEY"])
	require.True(t, names["live.endpoint"])
	require.True(t, names["audio.input"])
	require.True(t, names["audio.output"])
	require.True(t, names["vision.device"])
	require.True(t, names["history.jsonl"])
	require.True(t, names["history.kafka"])
}
