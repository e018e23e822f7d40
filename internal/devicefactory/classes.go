package devicefactory

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/devicerun/devicerun/internal/command"
	"github.com/devicerun/devicerun/internal/device"
)

// Dotted names for the two concrete device classes this module ships.
// Spec.md §9 forbids reflective class loading in the rewrite, so these are
// plain constants resolved through RegisterBuiltinClasses at program start,
// not strings looked up via reflection.
const (
	ClassUnixLocal  = "devicerun.device.UnixLocal"
	ClassUnixRemote = "devicerun.device.UnixRemote"
)

// RegisterBuiltinClasses registers UnixLocal and UnixRemote — enough
// concrete device classes to exercise spec.md §8's end-to-end scenarios,
// replacing the original's UnixLocal->UnixRemote->proxy_pc/... inheritance
// chain (original_source/moler/device/*.py) with the explicit two-pure-
// functions-plus-MergeConfig composition spec.md §9 prescribes.
func RegisterBuiltinClasses(f *Factory) {
	f.RegisterDeviceClass(ClassUnixLocal, ClassFuncs{WithoutProxy: unixLocalConfig})
	f.RegisterDeviceClass(ClassUnixRemote, ClassFuncs{WithoutProxy: unixRemoteConfig})
}

var psLineRe = regexp.MustCompile(`^\s*(\d+)\s+(\S.*)$`)

// psParser accumulates one entry per matched process line, grounded on
// moler/cmd/unix/ps.py's PID/CMD result shape (spec.md §8 scenario 1).
func psParser(line string, ret map[string]any) error {
	m := psLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	procs, _ := ret["PROCESSES"].([]map[string]any)
	procs = append(procs, map[string]any{"PID": pid, "CMD": m[2]})
	ret["PROCESSES"] = procs
	return nil
}

// whoamiParser captures the first non-empty line after the command's echo
// as the login name (spec.md §8 scenario 2).
func whoamiParser(line string, ret map[string]any) error {
	if line == "" {
		return nil
	}
	if _, ok := ret["USER"]; !ok {
		ret["USER"] = line
	}
	return nil
}

// unixLocalConfig is device.UnixLocal: a single state, UNIX_LOCAL, with
// "ps" and "whoami" commands.
func unixLocalConfig() StateConfig {
	prompt := regexp.MustCompile(`^moler_bash#\s*$`)
	return StateConfig{
		InitialState: "UNIX_LOCAL",
		Prompts:      map[string]*regexp.Regexp{"UNIX_LOCAL": prompt},
		Commands: map[string]map[string]device.CommandFactory{
			"UNIX_LOCAL": {
				"ps": func(params map[string]any) (command.Spec, error) {
					options, _ := params["options"].(string)
					return command.Spec{
						Name:          "ps",
						Build:         func() string { return strings.TrimSpace("ps " + options) },
						PromptPattern: prompt,
						Parser:        psParser,
					}, nil
				},
				"whoami": func(params map[string]any) (command.Spec, error) {
					return command.Spec{
						Name:          "whoami",
						Build:         func() string { return "whoami" },
						PromptPattern: prompt,
						RetRequired:   true,
						Parser:        whoamiParser,
					}, nil
				},
			},
		},
	}
}

// unixRemoteConfig is device.UnixRemote: UNIX_LOCAL (ssh) UNIX_REMOTE
// (exit), grounded on moler/device/unixremote3.py and
// integration/test_devices_SM.py's hop-chain test (spec.md §8 scenario 3).
func unixRemoteConfig() StateConfig {
	base := unixLocalConfig()
	remotePrompt := regexp.MustCompile(`^remote_bash#\s*$`)
	base.Prompts["UNIX_REMOTE"] = remotePrompt

	base.Transitions = map[string]map[string]device.TransitionRule{
		"UNIX_LOCAL": {
			"UNIX_REMOTE": {ToState: "UNIX_REMOTE", Command: "ssh"},
		},
		"UNIX_REMOTE": {
			"UNIX_LOCAL": {ToState: "UNIX_LOCAL", Command: "exit"},
		},
	}

	base.Commands["UNIX_LOCAL"]["ssh"] = func(params map[string]any) (command.Spec, error) {
		host, _ := params["host"].(string)
		if host == "" {
			host = "remote"
		}
		return command.Spec{
			Name:          "ssh",
			Build:         func() string { return "ssh " + host },
			PromptPattern: remotePrompt,
		}, nil
	}
	base.Commands["UNIX_REMOTE"] = map[string]device.CommandFactory{
		"exit": func(params map[string]any) (command.Spec, error) {
			return command.Spec{
				Name:          "exit",
				Build:         func() string { return "exit" },
				PromptPattern: base.Prompts["UNIX_LOCAL"],
			}, nil
		},
		"ls": func(params map[string]any) (command.Spec, error) {
			return command.Spec{
				Name:          "ls",
				Build:         func() string { return "ls" },
				PromptPattern: remotePrompt,
			}, nil
		},
	}
	return base
}
