// Package detect discovers installed agent CLIs on the machine.
package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const versionProbeTimeout = 1800 * time.Millisecond

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// DetectedAgent describes an installed agent CLI discovered on the machine.
type DetectedAgent struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// knownAgents maps agent names to their binary names. These are the CLIs
// warden knows how to supervise over the streaming protocol.
var knownAgents = map[string]string{
	"claude":   "claude",
	"codex":    "codex",
	"gemini":   "gemini",
	"opencode": "opencode",
}

// Scan discovers installed agent CLIs from PATH and known install locations.
func Scan() []DetectedAgent {
	found := make(map[string]DetectedAgent)
	seenPaths := make(map[string]struct{})

	for name, bin := range knownAgents {
		path, ok := resolveBinaryPath(bin)
		if !ok {
			continue
		}
		if _, exists := seenPaths[path]; exists {
			continue
		}
		found[name] = DetectedAgent{Name: name, Path: path, Version: detectVersion(path)}
		seenPaths[path] = struct{}{}
	}

	for _, raw := range strings.Split(os.Getenv("WARDEN_EXTRA_AGENT_BINS"), ",") {
		bin := strings.TrimSpace(strings.ToLower(raw))
		if bin == "" {
			continue
		}
		if _, exists := found[bin]; exists {
			continue
		}
		path, ok := resolveBinaryPath(bin)
		if !ok {
			continue
		}
		if _, exists := seenPaths[path]; exists {
			continue
		}
		found[bin] = DetectedAgent{Name: bin, Path: path, Version: detectVersion(path)}
		seenPaths[path] = struct{}{}
	}

	agents := make([]DetectedAgent, 0, len(found))
	for _, d := range found {
		agents = append(agents, d)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

func resolveBinaryPath(binary string) (string, bool) {
	candidates := make([]string, 0, 1+len(knownInstallDirs()))
	if p, err := exec.LookPath(binary); err == nil {
		candidates = append(candidates, p)
	}
	for _, dir := range knownInstallDirs() {
		candidates = append(candidates, filepath.Join(dir, binary))
	}

	for _, path := range candidates {
		if real, ok := executablePath(path); ok {
			return real, true
		}
	}
	return "", false
}

func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
			filepath.Join(home, ".npm-global", "bin"),
		)
	}
	return dirs
}

func executablePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if fi.Mode()&0111 == 0 {
		return "", false
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return abs, true
}

func detectVersion(commandPath string) string {
	attempts := [][]string{{"--version"}, {"-v"}, {"version"}}
	for _, args := range attempts {
		out, err := runVersionProbe(commandPath, args)
		if err != nil && out == "" {
			continue
		}
		if version := parseVersion(out); version != "" {
			return version
		}
	}
	return "unknown"
}

func runVersionProbe(commandPath string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, commandPath, args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, ctx.Err()
	}
	return out, err
}

func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if matches := semverRE.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}

	line := output
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}
