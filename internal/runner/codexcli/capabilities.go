package codexcli

import (
	"os/exec"
	"strings"
	"sync"
)

// helpCapabilities describes the flags the installed CLI advertises.
// Discovered once per process by running `<binary> exec --help`.
type helpCapabilities struct {
	JSONStream       bool
	ExperimentalJSON bool
	Sandbox          bool
	FullAuto         bool
	Model            bool
	Resume           bool
	MCPConfig        bool
}

var (
	capOnce   sync.Once
	capCached helpCapabilities
)

// probeCapabilities runs the help probe once and caches the result
// process-wide. A failed probe falls back to the plain --json surface.
func probeCapabilities(binary string) helpCapabilities {
	capOnce.Do(func() {
		out, err := exec.Command(binary, "exec", "--help").CombinedOutput()
		if err != nil && len(out) == 0 {
			capCached = helpCapabilities{JSONStream: true}
			return
		}
		capCached = parseHelp(string(out))
	})
	return capCached
}

func parseHelp(help string) helpCapabilities {
	caps := helpCapabilities{
		JSONStream:       strings.Contains(help, "--json"),
		ExperimentalJSON: strings.Contains(help, "--experimental-json"),
		Sandbox:          strings.Contains(help, "--sandbox"),
		FullAuto:         strings.Contains(help, "--full-auto"),
		Model:            strings.Contains(help, "--model"),
		Resume:           strings.Contains(help, "resume"),
		MCPConfig:        strings.Contains(help, "--mcp-config"),
	}
	if !caps.JSONStream && !caps.ExperimentalJSON {
		caps.JSONStream = true
	}
	return caps
}

// resetCapabilitiesForTest clears the process-wide probe cache.
func resetCapabilitiesForTest() {
	capOnce = sync.Once{}
	capCached = helpCapabilities{}
}
