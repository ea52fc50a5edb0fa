package indicator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbright/parlo/internal/config"
	"github.com/stretchr/testify/require"
)

func terminalNotifier(cfg config.IndicatorConfig) (*Notifier, *bytes.Buffer) {
	n := NewNotifier(cfg, nil)
	buf := &bytes.Buffer{}
	n.out = buf
	return n, buf
}

func TestTerminalNotifierWritesStateChanges(t *testing.T) {
	cfg := config.Default().Indicator
	cfg.SoundEnable = false

	n, buf := terminalNotifier(cfg)
	ctx := context.Background()
	n.ShowConnecting(ctx)
	n.ShowListening(ctx)
	n.ShowSpeaking(ctx)
	n.ShowSpeaking(ctx)
	n.ShowListening(ctx)
	n.ShowError(ctx, "")

	require.Equal(t, strings.Join([]string{
		"parlo: Connecting…",
		"parlo: Listening…",
		"parlo: Speaking…",
		"parlo: Listening…",
		"parlo: Conversation error",
	}, "\n")+"\n", buf.String())
}

func TestTerminalNotifierHideResetsRepeatSuppression(t *testing.T) {
	cfg := config.Default().Indicator
	cfg.SoundEnable = false

	n, buf := terminalNotifier(cfg)
	n.ShowListening(context.Background())
	n.Hide(context.Background())
	n.ShowListening(context.Background())

	require.Equal(t, 2, strings.Count(buf.String(), "Listening"))
}

func TestNotifierDisabledWritesNothing(t *testing.T) {
	cfg := config.Default().Indicator
	cfg.Enable = false
	cfg.SoundEnable = false

	n, buf := terminalNotifier(cfg)
	n.ShowConnecting(context.Background())
	n.ShowError(context.Background(), "ignored")
	n.Hide(context.Background())
	require.Empty(t, buf.String())
}

func TestNotifierCuesRespectSoundEnable(t *testing.T) {
	cfg := config.Default().Indicator
	cfg.SoundEnable = true

	n, _ := terminalNotifier(cfg)
	var mu sync.Mutex
	var played []cueKind
	n.cue = func(_ context.Context, kind cueKind) error {
		mu.Lock()
		defer mu.Unlock()
		played = append(played, kind)
		return nil
	}

	n.CueStart(context.Background())
	n.ShowError(context.Background(), "lost")
	n.CueStop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(played) == 3
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []cueKind{cueStart, cueError, cueStop}, played)

	cfg.SoundEnable = false
	quiet, _ := terminalNotifier(cfg)
	quiet.cue = func(context.Context, cueKind) error {
		t.Fatal("cue must not play when sound is disabled")
		return nil
	}
	quiet.CueStart(context.Background())
}

func TestDesktopNotifierReplacesAndDismisses(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "busctl-args.log")
	t.Setenv("BUSCTL_ARGS_FILE", argsFile)
	installBusctlStub(t, `
printf '%s\n' "$*" >> "${BUSCTL_ARGS_FILE}"
if [[ "$6" == "Notify" ]]; then
  echo "u 42"
fi
`)

	cfg := config.Default().Indicator
	cfg.Backend = "desktop"
	cfg.SoundEnable = false

	n := NewNotifier(cfg, nil)
	n.ShowListening(context.Background())
	n.ShowSpeaking(context.Background())
	n.Hide(context.Background())

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "Notify susssasa{sv}i parlo 0  Listening…")
	require.Contains(t, lines[1], "Notify susssasa{sv}i parlo 42  Speaking…")
	require.Contains(t, lines[2], "CloseNotification u 42")
}

func installBusctlStub(t *testing.T, body string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "busctl")
	script := "#!/usr/bin/env bash\nset -euo pipefail\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}
