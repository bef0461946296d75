package verifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/runerr"
)

// fakeExecer scripts container execs keyed by the joined command line.
type fakeExecer struct {
	calls   []string
	results map[string]container.ExecResult
	errs    map[string]error
}

func (f *fakeExecer) Ensure(context.Context, string) (container.Handle, error) {
	return container.Handle{}, nil
}

func (f *fakeExecer) Exec(_ context.Context, _ string, cmd []string, _ container.ExecOpts) (container.ExecResult, error) {
	key := strings.Join(cmd, " ")
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return container.ExecResult{}, err
	}
	return f.results[key], nil
}

func (f *fakeExecer) Stop(context.Context, string) error { return nil }

func writeRepo(t *testing.T, pkg string) string {
	t.Helper()
	dir := t.TempDir()
	if pkg != "" {
		if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkg), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func count(calls []string, key string) int {
	n := 0
	for _, c := range calls {
		if c == key {
			n++
		}
	}
	return n
}

func TestRun(t *testing.T) {
	ctx := t.Context()

	t.Run("NoPackageJSON", func(t *testing.T) {
		v := &Verifier{Containers: &fakeExecer{}}
		rep, err := v.Run(ctx, "acme/app", writeRepo(t, ""))
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Passed || rep.SkipReason != "no_package_json" {
			t.Errorf("report = %+v", rep)
		}
	})

	t.Run("NoBuildScript", func(t *testing.T) {
		dir := writeRepo(t, `{"scripts":{"test":"jest"}}`)
		fake := &fakeExecer{results: map[string]container.ExecResult{
			"npm --version": {Stdout: "10.2.0\n"},
		}}
		v := &Verifier{Containers: fake}
		rep, err := v.Run(ctx, "acme/app", dir)
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Passed || rep.SkipReason != "no_build_script" {
			t.Errorf("report = %+v", rep)
		}
		if rep.NpmVersion != "10.2.0" {
			t.Errorf("NpmVersion = %q", rep.NpmVersion)
		}
		// npm ci still ran before the skip.
		if count(fake.calls, "npm ci") != 1 {
			t.Errorf("calls = %v", fake.calls)
		}
	})

	t.Run("BuildPasses", func(t *testing.T) {
		dir := writeRepo(t, `{"scripts":{"build":"tsc"}}`)
		if err := os.Mkdir(filepath.Join(dir, "dist"), 0o750); err != nil {
			t.Fatal(err)
		}
		v := &Verifier{Containers: &fakeExecer{}}
		rep, err := v.Run(ctx, "acme/app", dir)
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Passed || rep.SkipReason != "" {
			t.Errorf("report = %+v", rep)
		}
		if len(rep.OutputDirs) != 1 || rep.OutputDirs[0] != "dist" {
			t.Errorf("OutputDirs = %v", rep.OutputDirs)
		}
	})

	t.Run("BuildFailsAfterRetry", func(t *testing.T) {
		dir := writeRepo(t, `{"scripts":{"build":"tsc"}}`)
		fake := &fakeExecer{results: map[string]container.ExecResult{
			"npm run build": {ExitCode: 1, Stderr: "error TS2304: cannot find name"},
		}}
		v := &Verifier{Containers: fake}
		rep, rerr := v.Run(ctx, "acme/app", dir)
		if rerr == nil || rerr.Kind != runerr.KindBuildFailed {
			t.Fatalf("err = %+v, want build_failed", rerr)
		}
		if rep.Stage != "npm_build" || rep.ExitCode != 1 {
			t.Errorf("report = %+v", rep)
		}
		if !strings.Contains(rep.StderrTail, "TS2304") {
			t.Errorf("StderrTail = %q", rep.StderrTail)
		}
		if count(fake.calls, "npm run build") != 2 {
			t.Errorf("build attempts = %d, want 2", count(fake.calls, "npm run build"))
		}
		// node_modules is cleared between attempts.
		if count(fake.calls, "rm -rf /workspace/node_modules") != 1 {
			t.Errorf("calls = %v", fake.calls)
		}
		if len(rep.Attempts) != 3 { // one ci + two build
			t.Errorf("attempts = %v", rep.Attempts)
		}
	})

	t.Run("CiFailureSkipsBuild", func(t *testing.T) {
		dir := writeRepo(t, `{"scripts":{"build":"tsc"}}`)
		fake := &fakeExecer{results: map[string]container.ExecResult{
			"npm ci": {ExitCode: 1, Stderr: "ERESOLVE unable to resolve dependency tree"},
		}}
		v := &Verifier{Containers: fake}
		rep, rerr := v.Run(ctx, "acme/app", dir)
		if rerr == nil || rerr.Kind != runerr.KindBuildFailed {
			t.Fatalf("err = %+v", rerr)
		}
		if rep.Stage != "npm_ci" {
			t.Errorf("Stage = %q", rep.Stage)
		}
		if count(fake.calls, "npm run build") != 0 {
			t.Errorf("build ran after ci failed: %v", fake.calls)
		}
	})

	t.Run("ExecFailureRecordsNoAttempt", func(t *testing.T) {
		// The container exec itself failing means npm never ran; nothing
		// should pretend it exited cleanly.
		dir := writeRepo(t, `{"scripts":{"build":"tsc"}}`)
		fake := &fakeExecer{errs: map[string]error{
			"npm ci": errors.New("container unhealthy"),
		}}
		v := &Verifier{Containers: fake}
		rep, rerr := v.Run(ctx, "acme/app", dir)
		if rerr == nil {
			t.Fatal("want error when exec fails")
		}
		if len(rep.Attempts) != 0 {
			t.Errorf("attempts = %+v, want none for a command that never ran", rep.Attempts)
		}
	})

	t.Run("MalformedPackageJSON", func(t *testing.T) {
		dir := writeRepo(t, `{not json`)
		v := &Verifier{Containers: &fakeExecer{}}
		_, rerr := v.Run(ctx, "acme/app", dir)
		if rerr == nil || rerr.Kind != runerr.KindInternal {
			t.Errorf("err = %+v, want internal", rerr)
		}
	})
}

func TestTail(t *testing.T) {
	if got := tail("short", 800); got != "short" {
		t.Errorf("tail = %q", got)
	}
	long := strings.Repeat("x", 500) + "\nlast line"
	got := tail(long, 20)
	if got != "last line" {
		t.Errorf("tail = %q, want trailing line", got)
	}
}
