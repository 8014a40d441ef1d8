package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestFullWorkflow builds the binary and drives it against a real git
// workspace with a real tool submodule.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"go", "git", "sh"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	// Local submodule URLs need the file protocol.
	t.Setenv("GIT_CONFIG_COUNT", "1")
	t.Setenv("GIT_CONFIG_KEY_0", "protocol.file.allow")
	t.Setenv("GIT_CONFIG_VALUE_0", "always")
	t.Setenv("GIT_AUTHOR_NAME", "stash test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "stash test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")

	tmp := t.TempDir()
	binary := filepath.Join(tmp, "stash")
	if out, err := exec.Command("go", "build", "-o", binary, ".").CombinedOutput(); err != nil {
		t.Fatalf("build failed: %v\nOutput: %s", err, out)
	}

	toolRepo := filepath.Join(tmp, "hello-src")
	mustWrite(t, filepath.Join(toolRepo, "run.sh"), "echo \"$@\" > args.txt\nexit 3\n")
	git(t, toolRepo, "init", "-q")
	git(t, toolRepo, "add", ".")
	git(t, toolRepo, "commit", "-q", "-m", "tool")
	toolCommit := strings.TrimSpace(git(t, toolRepo, "rev-parse", "HEAD"))

	ws := filepath.Join(tmp, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	git(t, ws, "init", "-q")
	stash := func(wantCode int, args ...string) string {
		t.Helper()
		cmd := exec.Command(binary, append([]string{"--root", ws}, args...)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		err := cmd.Run()
		code := 0
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else if err != nil {
			t.Fatalf("stash %v: %v", args, err)
		}
		if code != wantCode {
			t.Fatalf("stash %v: exit %d, want %d\nstdout: %s\nstderr: %s", args, code, wantCode, stdout.String(), stderr.String())
		}
		return stdout.String() + stderr.String()
	}

	t.Run("Init", func(t *testing.T) {
		stash(0, "init", "--name", "itest")
		meta := filepath.Join(ws, "configs", "meta.yaml")
		content, err := os.ReadFile(meta)
		if err != nil {
			t.Fatal(err)
		}
		mustWrite(t, meta, strings.Replace(string(content), "interpreter: python3", "interpreter: sh", 1))
		git(t, ws, "add", ".")
		git(t, ws, "commit", "-q", "-m", "workspace")
	})

	t.Run("RegisterTool", func(t *testing.T) {
		out := stash(0, "register-tool", "hello", toolRepo, "--entrypoint", "run.sh")
		if !strings.Contains(out, "registered hello at tools/hello") {
			t.Errorf("output: %s", out)
		}
		if _, err := os.Stat(filepath.Join(ws, ".gitmodules")); err != nil {
			t.Fatalf("no .gitmodules: %v", err)
		}
		mustWrite(t, filepath.Join(ws, "configs", "hello", "exp.yaml"), "lr: 0.1\nname: ${oc.env:ITEST_NAME,anon}\n")
	})

	t.Run("Freeze", func(t *testing.T) {
		out := stash(0, "freeze", "hello", "exp", "--tag", "v1", "--commit", "--git-tag", "lr=0.3")
		path := strings.TrimSpace(strings.Split(out, "\n")[0])
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"# TOOL_COMMIT: " + toolCommit, "lr: 0.3", "name: anon", "--commit lr=0.3"} {
			if !strings.Contains(string(content), want) {
				t.Errorf("snapshot missing %q:\n%s", want, content)
			}
		}
		if tags := git(t, ws, "tag", "-l", "snapshot/*"); strings.TrimSpace(tags) != "snapshot/hello/v1" {
			t.Errorf("tags: %q", tags)
		}
		stash(1, "freeze", "hello", "exp", "--tag", "v1")
	})

	t.Run("DirtyTool", func(t *testing.T) {
		runSh := filepath.Join(ws, "tools", "hello", "run.sh")
		mustWrite(t, runSh, "exit 4\n")
		out := stash(1, "freeze", "hello", "exp", "--tag", "v2", "--commit")
		if !strings.Contains(out, "uncommitted") {
			t.Errorf("output: %s", out)
		}
		git(t, filepath.Join(ws, "tools", "hello"), "checkout", "--", "run.sh")
	})

	t.Run("Run", func(t *testing.T) {
		stash(3, "run", "hello", "exp", "lr=0.7")
		args, err := os.ReadFile(filepath.Join(ws, "tools", "hello", "args.txt"))
		if err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("--config-path=%s --config-name=exp lr=0.7", filepath.Join(ws, "configs", "hello"))
		if strings.TrimSpace(string(args)) != want {
			t.Errorf("tool args %q, want %q", args, want)
		}
		stash(2, "run", "hello", "missing")
		if out := stash(0, "history", "hello"); !strings.Contains(out, "failed\t3") {
			t.Errorf("history: %s", out)
		}
	})

	t.Run("RemoveTool", func(t *testing.T) {
		_ = os.Remove(filepath.Join(ws, "tools", "hello", "args.txt"))
		if out := stash(0, "remove-tool", "hello"); !strings.Contains(out, "backed up tools/hello to backups/hello_") {
			t.Errorf("remove-tool output: %s", out)
		}
		if backups, _ := filepath.Glob(filepath.Join(ws, "backups", "hello_*", "run.sh")); len(backups) != 1 {
			t.Errorf("backup of the checkout: %v", backups)
		}
		if _, err := os.Stat(filepath.Join(ws, "tools", "hello")); !os.IsNotExist(err) {
			t.Errorf("submodule checkout still present: %v", err)
		}
		stash(2, "run", "hello", "exp")
	})
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}
