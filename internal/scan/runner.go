// Package scan owns the contract with the external policy engine: it
// invokes mmapplypolicy, manages the temporary report location and
// hands the resulting report files back to the pipeline.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrScanFailed reports that the external scan exited non-zero, was
// killed, or left no report behind. It is distinct from data errors so
// operators can tell "no data" from "bad data".
var ErrScanFailed = errors.New("external scan failed")

// Command is the policy engine binary.
const Command = "mmapplypolicy"

// Options configure one scan invocation.
type Options struct {
	// PolicyText is the policy file content for the run.
	PolicyText string

	// RuleName is the LIST rule whose report files are collected.
	RuleName string

	// Nodes, LocalWorkDir and GlobalWorkDir are forwarded to
	// mmapplypolicy as -N, -s and -g.
	Nodes         string
	LocalWorkDir  string
	GlobalWorkDir string

	// Verbose passes the engine's chatter through to Stderr instead
	// of discarding it.
	Verbose bool

	// Stderr receives diagnostics; defaults to os.Stderr.
	Stderr io.Writer
}

// Result holds the report files of a successful scan. Close releases
// the temporary directory backing them.
type Result struct {
	// Reports lists the report files, one per output channel. It may
	// be empty when a filtered scan matched nothing.
	Reports []string

	tmpDir string
}

// Close removes the scan's temporary directory and everything in it.
func (r *Result) Close() error {
	if r.tmpDir == "" {
		return nil
	}

	err := os.RemoveAll(r.tmpDir)
	r.tmpDir = ""

	return err
}

// buildArgs assembles the mmapplypolicy argument list. The scan is
// deferred (-I defer) so the engine only writes the report and never
// executes anything.
func buildArgs(dir, policyPath, prefix string, opts Options) []string {
	args := []string{
		dir,
		"-P", policyPath,
		"-f", prefix,
		"-I", "defer",
		"-L", "0",
	}

	if opts.Nodes != "" {
		args = append(args, "-N", opts.Nodes)
	}

	if opts.LocalWorkDir != "" {
		args = append(args, "-s", opts.LocalWorkDir)
	}

	if opts.GlobalWorkDir != "" {
		args = append(args, "-g", opts.GlobalWorkDir)
	}

	return args
}

// Run executes one policy scan over dir and returns the report files.
// Cancelling ctx kills the engine process. The caller must Close the
// result.
func Run(ctx context.Context, dir string, opts Options) (*Result, error) {
	tmp, err := os.MkdirTemp(opts.LocalWorkDir, "mmdu-*")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	res := &Result{tmpDir: tmp}

	policyPath := filepath.Join(tmp, "mmdu.policy")
	if err := os.WriteFile(policyPath, []byte(opts.PolicyText), 0o644); err != nil {
		res.Close()
		return nil, fmt.Errorf("writing policy file: %w", err)
	}

	// a unique prefix per run keeps concurrent invocations apart even
	// when they share a local work directory
	prefix := filepath.Join(tmp, "mmdu-"+uuid.NewString())

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.CommandContext(ctx, Command, buildArgs(dir, policyPath, prefix, opts)...)

	var engineOutput bytes.Buffer
	if opts.Verbose {
		cmd.Stdout = stderr
		cmd.Stderr = stderr
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = &engineOutput
	}

	if err := cmd.Run(); err != nil {
		res.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrScanFailed, ctxErr)
		}

		msg := bytes.TrimSpace(engineOutput.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%w: %v: %s", ErrScanFailed, err, msg)
		}

		return nil, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}

	rule := opts.RuleName
	if rule == "" {
		rule = "size"
	}

	// the engine writes <prefix>.list.<rule>, with internal
	// parallelism possibly split across several files
	reports, err := filepath.Glob(prefix + ".list." + rule + "*")
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("locating report files: %w", err)
	}

	res.Reports = reports

	return res, nil
}
