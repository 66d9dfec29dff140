package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// scriptStage runs an external command as a pipeline stage. The protocol
// mirrors classic trainer scripts: a JSON payload arrives on stdin, stderr
// carries live progress lines which are forwarded as they arrive, and
// stdout's final line is a JSON result object. A non-zero exit fails the
// stage.
type scriptStage struct{}

// scriptPayload is the JSON object written to the child's stdin.
type scriptPayload struct {
	RunID      string `json:"run_id"`
	DatasetDir string `json:"dataset_dir"`
	Config     Config `json:"config,omitempty"`
}

// scriptResult is the JSON object a script prints on stdout when it exits.
type scriptResult struct {
	Model        string   `json:"model,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	DownloadLink string   `json:"downloadLink,omitempty"`
	Message      string   `json:"message,omitempty"`
}

func (s *scriptStage) Meta() Meta {
	return Meta{Type: "script", Name: "External Script", Category: CategoryExternal}
}

func (s *scriptStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	command := cfg.String("command", "")
	if command == "" {
		return errors.New("script stage requires a command")
	}
	var args []string
	if raw, ok := cfg["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}

	execCtx := ctx
	if timeout := cfg.Float("timeout_seconds", 0); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	payload, err := json.Marshal(scriptPayload{
		RunID:      rc.RunID,
		DatasetDir: rc.DatasetDir,
		Config:     cfg,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	cmd := exec.CommandContext(execCtx, command, args...)
	cmd.Dir = cfg.String("workdir", "")
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"RUN_ID="+rc.RunID,
		"DATASET_DIR="+rc.DatasetDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var lastStdout string
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lastStdout = line
			rc.Logf("%s", line)
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			rc.Errorf("%s", line)
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	if execCtx.Err() != nil {
		return execCtx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("script %s exited with code %d", command, exitErr.ExitCode())
		}
		return fmt.Errorf("script %s: %w", command, waitErr)
	}

	// The final stdout line, when JSON, carries the script's metrics.
	if strings.HasPrefix(lastStdout, "{") {
		var res scriptResult
		if err := json.Unmarshal([]byte(lastStdout), &res); err == nil {
			if res.Model != "" {
				rc.ModelName = res.Model
			}
			if res.Accuracy != nil {
				rc.Accuracy = res.Accuracy
			}
			if res.DownloadLink != "" {
				rc.DownloadLink = res.DownloadLink
			}
		}
	}
	return nil
}
