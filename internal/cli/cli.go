// Package cli parses parlo's command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandToggle  Command = "toggle"
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandStatus  Command = "status"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandToggle:  {},
	CommandStart:   {},
	CommandStop:    {},
	CommandStatus:  {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// startsSession lists commands that accept --vision.
var startsSession = map[Command]bool{
	CommandToggle: true,
	CommandStart:  true,
}

type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool
	Vision     bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	commandSeen := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if commandSeen {
			if arg == "--vision" && startsSession[parsed.Command] {
				parsed.Vision = true
				continue
			}
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", parsed.Command)
		}

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--vision":
			parsed.Vision = true
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			commandSeen = true
		}
	}

	if parsed.Vision && !startsSession[parsed.Command] {
		return Parsed{}, fmt.Errorf("--vision only applies to start and toggle")
	}
	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [--vision]

Commands:
  toggle    Start a conversation, or stop the one already running
  start     Start a conversation (fails when one is running)
  stop      Stop the running conversation
  status    Print current state
  devices   List available input and output devices
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/parlo/config.jsonc)
  --vision        Stream camera frames alongside audio (start, toggle)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
