package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Mindburn-Labs/tiller/pkg/capability"
)

// manifestFile is the on-disk form of one registered capability. The exec
// binding, when present, runs a local command as the capability body: call
// arguments arrive as JSON on stdin, the result is read as JSON from stdout.
type manifestFile struct {
	Manifest capability.Manifest `json:"manifest"`
	Exec     []string            `json:"exec,omitempty"`
}

// loadManifests registers every *.json manifest under dir and returns how
// many were loaded. Capabilities without an exec binding resolve and
// classify normally but fail on real invocation, which keeps dry-run and
// safe-only validation useful even without a bound runtime.
func loadManifests(reg *capability.Memory, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("read %s: %w", path, err)
		}

		var mf manifestFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return count, fmt.Errorf("parse %s: %w", path, err)
		}
		if mf.Manifest.ID == "" {
			return count, fmt.Errorf("%s: manifest missing id", path)
		}

		if err := reg.Register(mf.Manifest, execHandler(mf.Manifest.ID, mf.Exec)); err != nil {
			return count, fmt.Errorf("register %s: %w", mf.Manifest.ID, err)
		}
		count++
	}
	return count, nil
}

func execHandler(id string, argv []string) capability.Handler {
	if len(argv) == 0 {
		return func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("capability %q has no exec binding; bind one or run in dry-run mode", id)
		}
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := bytes.TrimSpace(stderr.Bytes())
			if len(msg) > 0 {
				return nil, fmt.Errorf("%s: %s", err, msg)
			}
			return nil, err
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		var result any
		if err := json.Unmarshal(out, &result); err != nil {
			// Non-JSON output is passed through as a string.
			return string(out), nil
		}
		return result, nil
	}
}
