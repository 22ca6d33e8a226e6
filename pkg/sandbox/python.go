package sandbox

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/entrhq/monkey/pkg/browser"
)

//go:embed bootstrap.py
var bootstrapSource string

// DefaultPythonCommand is the interpreter used when none is configured.
var DefaultPythonCommand = []string{"python3"}

// maxCapturedOutput caps stdout/stderr kept from a Python process.
const maxCapturedOutput = 1 << 20

// PythonEngine runs tool source in a host-side Python subprocess.
//
// The process gets an empty environment apart from PATH and HOME, a private
// temporary working directory, and no arguments other than the bootstrap. The
// tool body sees args and the automation primitives navigate,
// evaluate_script, wait_for, screenshot and page_text, which call back into
// the host over a line-delimited JSON channel on fds 3 (to host) and 4 (from
// host). The value of the body's result variable is the tool result.
type PythonEngine struct {
	// Command is the interpreter, optionally behind a jail wrapper such as
	// ["bwrap", "--ro-bind", "/", "/", "--unshare-net", "python3"]. The
	// interpreter must be the last element.
	Command []string

	// Env adds variables to the child environment.
	Env []string

	// TempDir is the parent of per-invocation working directories.
	TempDir string
}

type bridgeMessage struct {
	Op        string          `json:"op"`
	Params    json.RawMessage `json:"params,omitempty"`
	Value     any             `json:"value,omitempty"`
	Message   string          `json:"message,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
}

type bridgeReply struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Confined reports whether the interpreter runs behind a jail wrapper.
// Without one, tool code shares the host's filesystem and network.
func (e *PythonEngine) Confined() bool {
	return len(e.command()) > 1
}

func (e *PythonEngine) command() []string {
	if len(e.Command) == 0 {
		return DefaultPythonCommand
	}
	return e.Command
}

func (e *PythonEngine) Execute(ctx context.Context, inv Invocation) (Result, error) {
	command := e.command()

	dir, err := os.MkdirTemp(e.TempDir, "monkey-tool-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	job, err := json.Marshal(map[string]any{
		"name":   inv.Tool.Name,
		"source": inv.Tool.Source,
		"args":   inv.Args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode tool arguments: %w", err)
	}

	toHostR, toHostW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create pipe: %w", err)
	}
	fromHostR, fromHostW, err := os.Pipe()
	if err != nil {
		toHostR.Close()
		toHostW.Close()
		return Result{}, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer toHostR.Close()
	defer fromHostW.Close()

	args := append(append([]string{}, command[1:]...), "-I", "-c", bootstrapSource)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = dir
	cmd.Env = append([]string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + dir, "PYTHONIOENCODING=utf-8"}, e.Env...)
	cmd.Stdin = bytes.NewReader(job)
	stdout := &cappedBuffer{limit: maxCapturedOutput}
	stderr := &cappedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{toHostW, fromHostR}
	cmd.WaitDelay = time.Second

	startErr := cmd.Start()
	toHostW.Close()
	fromHostR.Close()
	if startErr != nil {
		return Result{}, fmt.Errorf("failed to start python: %w", startErr)
	}

	final, serveErr := serveBridge(ctx, inv.Handle, toHostR, fromHostW)
	fromHostW.Close()
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return Result{Stdout: stdout.String()}, err
	}
	if serveErr != nil {
		return Result{Stdout: stdout.String()}, serveErr
	}
	if final == nil {
		msg := "python process exited without a result"
		if waitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, waitErr)
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg = fmt.Sprintf("%s\n%s", msg, tail)
		}
		return Result{Stdout: stdout.String()}, &ToolError{Message: msg}
	}

	out := final.Stdout + stdout.String()
	if final.Op == "error" {
		return Result{Stdout: out}, &ToolError{Message: final.Message, Traceback: final.Traceback}
	}
	return Result{Value: final.Value, Stdout: out}, nil
}

// serveBridge answers primitive calls from the child until it reports a
// final result or error, or the channel closes.
func serveBridge(ctx context.Context, h *browser.Handle, from io.ReadCloser, to io.Writer) (*bridgeMessage, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = from.Close()
		case <-stop:
		}
	}()

	reader := bufio.NewReader(from)
	enc := json.NewEncoder(to)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, nil
			}
			continue
		}

		var msg bridgeMessage
		if jerr := json.Unmarshal(line, &msg); jerr != nil {
			return nil, &ToolError{Message: fmt.Sprintf("malformed message from python: %v", jerr)}
		}
		if msg.Op == "result" || msg.Op == "error" {
			return &msg, nil
		}

		reply := callPrimitive(ctx, h, msg)
		if werr := enc.Encode(reply); werr != nil {
			return nil, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		if h.Lost() {
			return nil, fmt.Errorf("%w: %s", browser.ErrSessionLost, reply.Error)
		}
	}
}

func callPrimitive(ctx context.Context, h *browser.Handle, msg bridgeMessage) bridgeReply {
	var p struct {
		URL       string `json:"url"`
		Code      string `json:"code"`
		Arg       any    `json:"arg"`
		Selector  string `json:"selector"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return bridgeReply{Error: fmt.Sprintf("invalid parameters for %s: %v", msg.Op, err)}
		}
	}

	var (
		value any
		err   error
	)
	switch msg.Op {
	case "navigate":
		value, err = h.Navigate(ctx, p.URL)
	case "evaluate":
		value, err = h.EvaluateScript(ctx, p.Code, p.Arg)
	case "wait_for":
		err = h.WaitFor(ctx, p.Selector, p.TimeoutMs)
	case "screenshot":
		var data []byte
		data, err = h.Screenshot(ctx)
		value = base64.StdEncoding.EncodeToString(data)
	case "text":
		value, err = h.Text(ctx)
	default:
		err = fmt.Errorf("unknown primitive %q", msg.Op)
	}
	if err != nil {
		return bridgeReply{Error: err.Error()}
	}
	return bridgeReply{Value: value}
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
