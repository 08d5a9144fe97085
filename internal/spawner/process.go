package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// process wraps one provider subprocess, headless or PTY-backed, and the
// session state it drives.
type process struct {
	sessionID string
	cmd       *exec.Cmd
	ctx       context.Context
	cancel    context.CancelFunc

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	pty    *os.File // set instead of stdin/stdout/stderr in interactive mode

	outputCh chan models.StreamEvent
	done     chan struct{}
	closeErr sync.Once

	mu        sync.Mutex
	session   *models.Session
	exitEvent *models.ExitEvent
}

func (p *process) pid() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// startPipes starts the process with stdin/stdout/stderr pipes, the
// headless transport used for non-interactive sessions.
func (p *process) startPipes() error {
	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	go p.drainStderr()
	return nil
}

// startPTY starts the process attached to a pseudo-terminal, the transport
// used for interactive sessions where the provider CLI expects a real tty
// (e.g. to render its own UI alongside stream-json on a side channel).
func (p *process) startPTY() error {
	f, err := pty.Start(p.cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	p.pty = f
	p.stdin = f
	p.stdout = f
	return nil
}

// sendInitialPrompt writes the first user message as a JSON message on
// stdin. The provider CLI's stream-json input mode never accepts the
// initial prompt as a CLI argument.
func (p *process) sendInitialPrompt(prompt string) error {
	if prompt == "" {
		return nil
	}
	return p.writeMessage(prompt)
}

// writeMessage encodes content as a single stream-json input message and
// writes it as one line to the process's stdin.
func (p *process) writeMessage(content string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": content},
			},
		},
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal input message: %w", err)
	}
	line = append(line, '\n')

	p.mu.Lock()
	w := p.stdin
	p.mu.Unlock()
	if w == nil {
		return fmt.Errorf("session %s: stdin not open", p.sessionID)
	}
	_, err = w.Write(line)
	return err
}

// readOutput scans stdout for newline-delimited JSON events and forwards
// them to outputCh. Lines that fail to parse are logged and dropped, never
// forwarded as error-kind events: a malformed line from the provider is an
// environmental anomaly, not something a caller can act on.
func (p *process) readOutput() {
	defer close(p.outputCh)

	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := decodeStreamLine(p.sessionID, append([]byte(nil), line...))
		if err != nil {
			log.Printf("spawner: session %s: malformed stream line, skipping: %v", p.sessionID, err)
			continue
		}

		select {
		case p.outputCh <- event:
		case <-p.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && p.ctx.Err() == nil {
		log.Printf("spawner: session %s: stdout read error: %v", p.sessionID, err)
	}
}

// drainStderr copies stderr to the process log so provider diagnostics
// aren't silently lost, without surfacing them on outputCh.
func (p *process) drainStderr() {
	if p.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		log.Printf("spawner: session %s: stderr: %s", p.sessionID, scanner.Text())
	}
}

// waitForExit blocks on the process's exit, records the terminal status,
// and closes done exactly once.
func (p *process) waitForExit() {
	err := p.cmd.Wait()

	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			signal = err.Error()
		}
	}

	p.mu.Lock()
	p.exitEvent = &models.ExitEvent{SessionID: p.sessionID, Code: code, Signal: signal}
	now := time.Now()
	p.session.EndedAt = &now
	p.session.Status = models.SessionStatusTerminated
	p.mu.Unlock()

	p.closeErr.Do(func() { close(p.done) })
}

// transition moves the session to next if the status table allows it.
func (p *process) transition(next models.SessionStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.session.Status.CanTransition(next) {
		return dispatcherr.IllegalTransition("session "+p.sessionID, p.session.Status, next)
	}
	p.session.Status = next
	return nil
}

// closeStdin closes the process's stdin, signaling end-of-input so a
// well-behaved provider CLI exits on its own.
func (p *process) closeStdin() {
	p.mu.Lock()
	w := p.stdin
	p.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

// kill cancels the process context and forcibly kills the subprocess if
// it is still running.
func (p *process) kill() error {
	p.cancel()

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}

	p.mu.Lock()
	if p.session.Status != models.SessionStatusTerminated {
		p.session.Status = models.SessionStatusTerminated
	}
	p.mu.Unlock()
	return nil
}
