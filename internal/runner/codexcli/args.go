package codexcli

import (
	"fmt"

	"github.com/stagehand/stagehand/internal/runner"
)

// buildArgs assembles the CLI argv for one invocation. Flags the installed
// CLI does not advertise are dropped or replaced by a documented fallback;
// every such decision is reported through warn.
func buildArgs(caps helpCapabilities, opts runner.StartOptions, warn func(string)) []string {
	args := []string{"exec"}

	if opts.ResumeSessionID != "" {
		if caps.Resume {
			args = append(args, "resume", opts.ResumeSessionID)
		} else {
			warn("lacks resume; starting a fresh session")
		}
	}

	if caps.ExperimentalJSON {
		args = append(args, "--experimental-json")
	} else {
		args = append(args, "--json")
	}

	if opts.WorkDir != "" {
		args = append(args, "--cd", opts.WorkDir)
	}

	if opts.Model != "" {
		if caps.Model {
			args = append(args, "--model", opts.Model)
		} else {
			warn(fmt.Sprintf("lacks --model; ignoring model %q", opts.Model))
		}
	}

	if opts.Sandbox != "" {
		switch {
		case caps.Sandbox:
			args = append(args, "--sandbox", opts.Sandbox)
		case caps.FullAuto:
			args = append(args, "--full-auto")
			warn("lacks --sandbox; enabling --full-auto")
		default:
			warn("lacks --sandbox; proceeding without a sandbox flag")
		}
	}

	if opts.MCPConfigPath != "" {
		if caps.MCPConfig {
			args = append(args, "--mcp-config", opts.MCPConfigPath)
		} else {
			warn("lacks --mcp-config; ignoring MCP config")
		}
	}

	args = append(args, opts.Prompt)
	return args
}
