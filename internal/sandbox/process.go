package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kvothesson/capibara/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty scripts.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout        = 30 * time.Second
	defaultInstallTimeout = 60 * time.Second
	defaultCPUSeconds     = 60
	defaultMemoryMB       = 512

	// Environment contract every script can rely on.
	envWorkDir        = "CAPIBARA_WORK_DIR"
	envNetworkAllowed = "CAPIBARA_NETWORK_ALLOWED"
	envFSAllowed      = "CAPIBARA_FS_ALLOWED"
)

// ScriptChecker re-validates a script immediately before execution.
// Satisfied by security.Validator.
type ScriptChecker interface {
	Check(ctx context.Context, source string, deps []string) error
}

// ProcessConfig configures the process-based executor.
type ProcessConfig struct {
	PythonBin      string        // Interpreter to run. Default: "python3".
	RunsDir        string        // Parent for ephemeral run directories. Default: os temp dir.
	DefaultTimeout time.Duration // Wall-clock limit for the script. Default: 30s.
	InstallTimeout time.Duration // Wall-clock limit for venv + pip install. Default: 60s.
	DefaultLimits  ResourceLimits
}

// ProcessExecutor runs scripts as isolated OS processes.
//
// Security guarantees:
//   - Source is re-validated against policy before every run
//   - Each run gets its own working directory (removed after)
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessExecutor struct {
	pythonBin      string
	runsDir        string
	defaultTimeout time.Duration
	installTimeout time.Duration
	defaultLimits  ResourceLimits
	checker        ScriptChecker
	logger         *slog.Logger
}

// NewProcessExecutor creates a process-based executor.
func NewProcessExecutor(cfg ProcessConfig, checker ScriptChecker, logger *slog.Logger) *ProcessExecutor {
	python := cfg.PythonBin
	if python == "" {
		python = "python3"
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	installTimeout := cfg.InstallTimeout
	if installTimeout == 0 {
		installTimeout = defaultInstallTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	return &ProcessExecutor{
		pythonBin:      python,
		runsDir:        cfg.RunsDir,
		defaultTimeout: timeout,
		installTimeout: installTimeout,
		defaultLimits:  limits,
		checker:        checker,
		logger:         logger,
	}
}

// Run executes the artifact's entry script with the request context as
// its single JSON argument and parses the last non-empty stdout line as
// the result. Failures are classified domain.RunErrors.
func (e *ProcessExecutor) Run(ctx context.Context, req RunRequest) (*domain.RunResult, error) {
	art := req.Artifact
	if art == nil || art.Script == "" {
		return nil, domain.NewRunError(domain.KindExecution, "no script to execute", nil)
	}

	// 1. Re-validate. A cached artifact may predate the current policy,
	// or the on-disk copy may have been edited.
	if e.checker != nil {
		if err := e.checker.Check(ctx, art.Script, art.Manifest.Deps); err != nil {
			return nil, domain.NewRunError(domain.KindPolicy, "Security validation failed", err)
		}
	}

	ctxJSON, err := json.Marshal(contextOrEmpty(req.Context))
	if err != nil {
		return nil, domain.NewRunError(domain.KindContext, "context is not JSON-serializable", err)
	}

	// 2. Ephemeral working directory.
	workDir, err := os.MkdirTemp(e.runsDir, "capibara-run-*")
	if err != nil {
		return nil, domain.NewRunError(domain.KindExecution, "creating run dir", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			e.logger.Warn("failed to remove run dir",
				slog.String("dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	entry := art.Manifest.Entry
	if entry == "" {
		entry = domain.DefaultEntry
	}
	if err := os.WriteFile(filepath.Join(workDir, entry), []byte(art.Script), 0640); err != nil {
		return nil, domain.NewRunError(domain.KindExecution, "writing script", err)
	}

	// 3. Dependencies: venv + pip install under the shorter install timeout.
	venvBin := ""
	if strings.TrimSpace(art.Requirements) != "" {
		venvBin, err = e.installDeps(ctx, workDir, art.Requirements)
		if err != nil {
			return nil, err
		}
	}

	// 4. Execute.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	limits := e.resolveLimits(req.Limits)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := e.buildEnv(workDir, venvBin, art.Manifest.Allow)
	cmd := e.wrapCommand(runCtx, workDir, limits, env, e.pythonBin, entry, string(ctxJSON))

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("executing script",
		slog.String("fingerprint", art.Manifest.Fingerprint),
		slog.String("entry", entry),
		slog.Bool("network_allowed", art.Manifest.Allow.Network),
		slog.Duration("timeout", timeout),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if runCtx.Err() != nil {
			e.logger.Warn("script execution timed out",
				slog.String("fingerprint", art.Manifest.Fingerprint),
				slog.Duration("timeout", timeout),
			)
			return nil, domain.NewRunError(domain.KindTimeout,
				fmt.Sprintf("execution timed out after %s", timeout), nil)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, domain.NewRunError(domain.KindExecution,
				fmt.Sprintf("script exited with code %d: %s", exitErr.ExitCode(), tail(stderrBuf.String(), 512)), nil)
		}
		return nil, domain.NewRunError(domain.KindExecution, "execution failed", runErr)
	}

	e.logger.Info("script execution completed",
		slog.String("fingerprint", art.Manifest.Fingerprint),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
	)

	result, err := parseRunResult(stdoutBuf.String(), stderrBuf.String())
	if err != nil {
		return nil, err
	}
	result.Fingerprint = art.Manifest.Fingerprint
	result.Duration = duration
	return result, nil
}

// installDeps provisions a venv inside workDir and installs requirements.
// Returns the venv bin directory to prepend to PATH.
func (e *ProcessExecutor) installDeps(ctx context.Context, workDir, requirements string) (string, error) {
	reqPath := filepath.Join(workDir, "requirements.txt")
	if err := os.WriteFile(reqPath, []byte(requirements), 0640); err != nil {
		return "", domain.NewRunError(domain.KindDependency, "writing requirements", err)
	}

	venvDir := filepath.Join(workDir, "venv")
	venvBin := filepath.Join(venvDir, "bin")

	installCtx, cancel := context.WithTimeout(ctx, e.installTimeout)
	defer cancel()

	limits := e.defaultLimits
	env := e.buildEnv(workDir, "", domain.Permissions{Network: true})

	venvCmd := e.wrapCommand(installCtx, workDir, limits, env, e.pythonBin, "-m", "venv", venvDir)
	var venvOut bytes.Buffer
	venvCmd.Stdout = &limitedWriter{w: &venvOut, remaining: maxOutputBytes}
	venvCmd.Stderr = venvCmd.Stdout
	if err := venvCmd.Run(); err != nil {
		if installCtx.Err() != nil {
			return "", domain.NewRunError(domain.KindDependency,
				fmt.Sprintf("venv creation timed out after %s", e.installTimeout), nil)
		}
		return "", domain.NewRunError(domain.KindDependency,
			fmt.Sprintf("venv creation failed: %s", tail(venvOut.String(), 512)), err)
	}

	pipCmd := e.wrapCommand(installCtx, workDir, limits, env,
		filepath.Join(venvBin, "pip"), "install", "--quiet", "-r", reqPath)
	var pipOut bytes.Buffer
	pipCmd.Stdout = &limitedWriter{w: &pipOut, remaining: maxOutputBytes}
	pipCmd.Stderr = pipCmd.Stdout
	if err := pipCmd.Run(); err != nil {
		if installCtx.Err() != nil {
			return "", domain.NewRunError(domain.KindDependency,
				fmt.Sprintf("pip install timed out after %s", e.installTimeout), nil)
		}
		return "", domain.NewRunError(domain.KindDependency,
			fmt.Sprintf("pip install failed: %s", tail(pipOut.String(), 512)), err)
	}

	return venvBin, nil
}

// wrapCommand builds the sh wrapper with ulimit enforcement and process
// group isolation.
//
// The command is: sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ cmd args...
// Using exec "$@" with positional parameters prevents shell injection —
// the arguments are never interpolated into the shell string. The shell
// resolves the program against PATH, so a venv bin prepended there wins.
func (e *ProcessExecutor) wrapCommand(ctx context.Context, workDir string, limits ResourceLimits, env []string, command ...string) *exec.Cmd {
	memKB := limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Kill the entire process group on context cancellation (timeout/cancel).
	// This ensures child processes spawned by the script are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// buildEnv starts from the host environment and layers the script
// contract variables on top. CAPIBARA_FS_ALLOWED is only set when the
// manifest declares filesystem paths. When a venv was provisioned its
// bin directory is prepended to PATH so the script resolves the
// installed interpreter and tools first. The variables are advisory
// signals for the script, not an enforcement boundary.
func (e *ProcessExecutor) buildEnv(workDir, venvBin string, allow domain.Permissions) []string {
	env := os.Environ()
	if venvBin != "" {
		path := venvBin
		if host := os.Getenv("PATH"); host != "" {
			path += ":" + host
		}
		env = append(env, "PATH="+path)
	}
	env = append(env,
		envWorkDir+"="+workDir,
		envNetworkAllowed+"="+boolString(allow.Network),
	)
	if len(allow.FS) > 0 {
		env = append(env, envFSAllowed+"="+strings.Join(allow.FS, ":"))
	}
	return env
}

// resolveLimits merges request-level overrides with executor defaults.
func (e *ProcessExecutor) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := e.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// parseRunResult interprets script output. The contract: the last
// non-empty stdout line is a JSON object with a status key plus
// optional artifacts, output, raw and message keys. Non-JSON output is
// wrapped leniently rather than rejected; an empty stdout is a
// contract error.
func parseRunResult(stdout, stderr string) (*domain.RunResult, error) {
	lastLine := ""
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lastLine = strings.TrimSpace(line)
		}
	}
	if lastLine == "" {
		return nil, domain.NewRunError(domain.KindOutputContract, "No output from script", nil)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(lastLine), &parsed); err != nil {
		// Lenient fallback: scripts that just print text still succeed.
		return &domain.RunResult{
			Status: domain.StatusOK,
			Output: map[string]any{domain.RawOutputKey: strings.TrimSpace(stdout)},
			Raw:    map[string]any{"stdout": stdout, "stderr": stderr},
		}, nil
	}

	result := &domain.RunResult{Status: domain.StatusOK}
	if s, ok := parsed["status"].(string); ok && s != "" {
		result.Status = domain.RunStatus(s)
	}
	if arts, ok := parsed["artifacts"].([]any); ok {
		for _, a := range arts {
			if path, ok := a.(string); ok {
				result.Artifacts = append(result.Artifacts, path)
			}
		}
	}
	if out, ok := parsed["output"].(map[string]any); ok {
		result.Output = out
	} else {
		result.Output = map[string]any{}
	}
	if raw, ok := parsed["raw"].(map[string]any); ok {
		result.Raw = raw
	}
	if msg, ok := parsed["message"].(string); ok {
		result.Message = msg
	}
	if result.Status == domain.StatusError {
		result.ErrorKind = domain.KindExecution
	}
	return result, nil
}

func contextOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
