// Package verifier runs the build sequence inside the project container:
// npm ci followed by npm run build, each with at most 2 attempts. Missing
// package.json or build script skips the step with a warning instead of
// failing.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/runerr"
)

// maxAttempts is the total attempt budget per npm operation (one retry).
const maxAttempts = 2

// workspaceDir is the repo root inside the container.
const workspaceDir = "/workspace"

// outputDirNames are the conventional build output directories reported in
// the verification artifacts.
var outputDirNames = []string{"dist", "build", "out", "public", ".next", "lib", "es"}

// Attempt records one step invocation.
type Attempt struct {
	Stage      string `json:"stage"` // "npm_ci" or "npm_build"
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// Report is the verification artifact.
type Report struct {
	Passed     bool      `json:"passed"`
	SkipReason string    `json:"skipReason,omitempty"` // no_package_json | no_build_script
	Stage      string    `json:"stage,omitempty"`      // failing stage when !Passed
	ExitCode   int       `json:"exitCode,omitempty"`
	StderrTail string    `json:"stderrTail,omitempty"`
	NpmVersion string    `json:"npmVersion,omitempty"`
	OutputDirs []string  `json:"outputDirs,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Attempts   []Attempt `json:"attempts,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// Verifier runs builds in the project container.
type Verifier struct {
	Containers container.Execer
}

// Run verifies the working tree at repoDir (host path of the mounted
// workspace). The returned error is tagged for the state machine; the
// report is always populated with whatever was captured.
func (v *Verifier) Run(ctx context.Context, projectID, repoDir string) (*Report, *runerr.Error) {
	rep := &Report{}

	pkg, err := readPackageJSON(repoDir)
	if err != nil {
		return rep, runerr.New(runerr.KindInternal, "verify", err)
	}
	if pkg == nil {
		rep.Passed = true
		rep.SkipReason = "no_package_json"
		rep.Warnings = append(rep.Warnings, "package.json absent, build skipped")
		return rep, nil
	}

	if ver, err := v.Containers.Exec(ctx, projectID, []string{"npm", "--version"}, container.ExecOpts{}); err == nil {
		rep.NpmVersion = strings.TrimSpace(ver.Stdout)
	}

	if failed := v.step(ctx, projectID, rep, "npm_ci", []string{"npm", "ci"}); failed != nil {
		return rep, failed
	}

	if _, hasBuild := pkg.Scripts["build"]; !hasBuild {
		rep.Passed = true
		rep.SkipReason = "no_build_script"
		rep.Warnings = append(rep.Warnings, "build script missing, build skipped")
		rep.OutputDirs = findOutputDirs(repoDir)
		return rep, nil
	}

	if failed := v.step(ctx, projectID, rep, "npm_build", []string{"npm", "run", "build"}); failed != nil {
		return rep, failed
	}

	rep.Passed = true
	rep.OutputDirs = findOutputDirs(repoDir)
	return rep, nil
}

// step runs one npm operation with the attempt budget, cleaning partial
// node_modules between attempts so retries are deterministic.
func (v *Verifier) step(ctx context.Context, projectID string, rep *Report, stage string, cmd []string) *runerr.Error {
	var last container.ExecResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := v.Containers.Exec(ctx, projectID, cmd, container.ExecOpts{Cwd: workspaceDir})
		if err != nil {
			// The command never ran; recording an attempt here would invent
			// a clean exit code.
			return runerr.As(err, "verify")
		}
		rep.Attempts = append(rep.Attempts, Attempt{
			Stage:      stage,
			ExitCode:   res.ExitCode,
			DurationMs: res.Duration.Milliseconds(),
		})
		last = res
		rep.Stdout = res.Stdout
		rep.Stderr = res.Stderr
		if res.ExitCode == 0 {
			return nil
		}
		if attempt < maxAttempts {
			// Partial installs poison the next attempt.
			_, _ = v.Containers.Exec(ctx, projectID,
				[]string{"rm", "-rf", workspaceDir + "/node_modules"}, container.ExecOpts{})
		}
	}
	rep.Stage = stage
	rep.ExitCode = last.ExitCode
	rep.StderrTail = tail(last.Stderr, 800)
	return runerr.New(runerr.KindBuildFailed, "verify",
		fmt.Errorf("%s exited with code %d after %d attempts", stage, last.ExitCode, maxAttempts)).
		WithSummary("%s failed: %s", stage, rep.StderrTail)
}

// pkgJSON is the subset of package.json the verifier reads.
type pkgJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// readPackageJSON returns nil when the file is absent.
func readPackageJSON(repoDir string) (*pkgJSON, error) {
	data, err := os.ReadFile(filepath.Join(repoDir, "package.json")) //nolint:gosec // path is the managed cache dir.
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pkg pkgJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &pkg, nil
}

// findOutputDirs lists which conventional build output directories exist.
func findOutputDirs(repoDir string) []string {
	var found []string
	for _, name := range outputDirNames {
		if info, err := os.Stat(filepath.Join(repoDir, name)); err == nil && info.IsDir() {
			found = append(found, name)
		}
	}
	return found
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
