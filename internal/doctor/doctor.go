// Package doctor runs runtime readiness diagnostics for config, credentials,
// devices, the live endpoint, and history sinks.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/config"
	"github.com/rbright/parlo/internal/live"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(cfg config.Loaded) Report {
	c := cfg.Config
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	}}

	checks = append(checks, checkAPIKey(c.Live))
	checks = append(checks, checkLiveEndpoint(c.Live))
	checks = append(checks, checkAudioSelection(c))
	checks = append(checks, checkAudioOutput(c))
	checks = append(checks, checkCommand(c.Vision.FFmpeg.Argv, "vision.ffmpeg"))
	checks = append(checks, checkCamera(c.Vision.Device))

	if path := strings.TrimSpace(c.History.JSONLPath); path != "" {
		checks = append(checks, checkWritableDir(filepath.Dir(path), "history.jsonl"))
	}
	if len(c.History.Kafka.Brokers) > 0 {
		checks = append(checks, checkKafka(c.History.Kafka))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkAPIKey requires the key for the Gemini backend; the websocket backend
// may front a proxy that authenticates on its own.
func checkAPIKey(cfg config.LiveConfig) Check {
	name := strings.TrimSpace(cfg.APIKeyEnv)
	if name == "" {
		return Check{Name: "live.api_key_env", Pass: false, Message: "api_key_env is empty"}
	}
	required := !strings.EqualFold(cfg.Backend, live.BackendWebsocket)
	failMsg := fmt.Sprintf("%s is not set", name)
	if !required {
		return checkEnv(name, func(string) bool { return true }, "optional for websocket backend", "")
	}
	return checkEnv(name, func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "API key present", failMsg)
}

// checkLiveEndpoint dials the websocket endpoint host. The Gemini SDK
// resolves its own endpoint, so that backend only reports the model.
func checkLiveEndpoint(cfg config.LiveConfig) Check {
	if !strings.EqualFold(cfg.Backend, live.BackendWebsocket) {
		return Check{Name: "live.endpoint", Pass: true, Message: fmt.Sprintf("gemini backend, model %q", cfg.Model)}
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = live.DefaultEndpoint
	}
	addr, err := endpointAddr(endpoint)
	if err != nil {
		return Check{Name: "live.endpoint", Pass: false, Message: err.Error()}
	}

	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return Check{Name: "live.endpoint", Pass: false, Message: fmt.Sprintf("dial %s failed: %v", addr, err)}
	}
	_ = conn.Close()
	return Check{Name: "live.endpoint", Pass: true, Message: fmt.Sprintf("reachable at %s", addr)}
}

func endpointAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws", "http":
			port = "80"
		case "wss", "https":
			port = "443"
		default:
			return "", fmt.Errorf("endpoint %q has unsupported scheme %q", endpoint, u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

func checkCamera(device string) Check {
	info, err := os.Stat(device)
	if err != nil {
		return Check{Name: "vision.device", Pass: false, Message: fmt.Sprintf("%s: %v", device, err)}
	}
	if info.IsDir() {
		return Check{Name: "vision.device", Pass: false, Message: fmt.Sprintf("%s is a directory", device)}
	}
	return Check{Name: "vision.device", Pass: true, Message: fmt.Sprintf("found %s", device)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(cfg config.Config) Check {
	selection, err := audio.SelectDevice(context.Background(), cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.input", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.input", Pass: true, Message: message}
}

func checkAudioOutput(cfg config.Config) Check {
	outputs, err := audio.ListOutputs(context.Background())
	if err != nil {
		return Check{Name: "audio.output", Pass: false, Message: err.Error()}
	}
	return matchOutput(outputs, cfg.Audio.Output)
}

func matchOutput(outputs []audio.Device, want string) Check {
	want = strings.TrimSpace(want)
	for _, dev := range outputs {
		if want == "" || strings.EqualFold(want, "default") {
			if dev.Default {
				return Check{Name: "audio.output", Pass: true, Message: fmt.Sprintf("default sink %q", dev.ID)}
			}
			continue
		}
		if dev.ID == want || strings.EqualFold(dev.Description, want) {
			return Check{Name: "audio.output", Pass: true, Message: fmt.Sprintf("selected %q", dev.ID)}
		}
	}
	if want == "" || strings.EqualFold(want, "default") {
		return Check{Name: "audio.output", Pass: false, Message: "no default output sink"}
	}
	return Check{Name: "audio.output", Pass: false, Message: fmt.Sprintf("output %q not found", want)}
}

func checkWritableDir(dir string, name string) Check {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	probe, err := os.CreateTemp(dir, ".parlo-doctor-*")
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkKafka connects to the first reachable broker and reads topic partitions.
func checkKafka(cfg config.KafkaConfig) Check {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	dialer := &kafka.Dialer{Timeout: probeTimeout, DualStack: true}
	var lastErr error
	for _, broker := range cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		defer conn.Close()

		if cfg.Topic == "" {
			return Check{Name: "history.kafka", Pass: true, Message: fmt.Sprintf("broker %s reachable", broker)}
		}
		partitions, err := conn.ReadPartitions(cfg.Topic)
		if err != nil {
			return Check{Name: "history.kafka", Pass: false, Message: fmt.Sprintf("topic %q: %v", cfg.Topic, err)}
		}
		return Check{Name: "history.kafka", Pass: true, Message: fmt.Sprintf("topic %q has %d partitions via %s", cfg.Topic, len(partitions), broker)}
	}
	return Check{Name: "history.kafka", Pass: false, Message: fmt.Sprintf("no broker reachable: %v", lastErr)}
}
