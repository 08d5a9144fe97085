// Package spawner forks the external LLM provider CLI and bridges its
// newline-delimited JSON stream to a typed event emitter. It is the only
// package that shells out to the provider binary; everything above it
// (the session manager, the daemon) only ever sees *models.Session and
// *models.StreamEvent.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// Options parameterizes a single spawn call.
type Options struct {
	EntityID          string
	Role              models.EntityRole
	WorkingDirectory  string
	Interactive       bool
	InitialPrompt     string
	ProviderSessionID string // set to resume a prior conversation
	Model             string
}

// Spawner launches and tracks provider processes. One Spawner instance
// backs an entire daemon; sessions are keyed by the dispatcher-owned
// session ID (distinct from the provider's own ProviderSessionID).
type Spawner struct {
	command string // provider CLI binary name, e.g. "claude"

	mu        sync.Mutex
	processes map[string]*process
}

// New creates a Spawner that shells out to the named provider CLI.
func New(command string) *Spawner {
	return &Spawner{command: command, processes: map[string]*process{}}
}

// Spawn forks the provider CLI for entityID and returns its session handle
// plus a channel of stream events. The channel is closed once the process's
// stdout is fully drained; Wait reports the terminal exit event.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (*models.Session, <-chan models.StreamEvent, error) {
	sessionID := uuid.NewString()
	procCtx, cancel := context.WithCancel(ctx)

	args := buildArgs(opts)
	cmd := exec.CommandContext(procCtx, s.command, args...)
	if opts.WorkingDirectory != "" {
		cmd.Dir = opts.WorkingDirectory
	}

	p := &process{
		sessionID: sessionID,
		cmd:       cmd,
		ctx:       procCtx,
		cancel:    cancel,
		outputCh:  make(chan models.StreamEvent, 256),
		done:      make(chan struct{}),
		session: &models.Session{
			ID:                sessionID,
			EntityID:          opts.EntityID,
			Status:            models.SessionStatusStarting,
			ProviderSessionID: opts.ProviderSessionID,
			Interactive:       opts.Interactive,
			WorktreePath:      opts.WorkingDirectory,
			StartedAt:         time.Now(),
		},
	}

	var err error
	if opts.Interactive {
		err = p.startPTY()
	} else {
		err = p.startPipes()
	}
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("spawn session %s: %w", sessionID, err)
	}

	p.session.PID = p.pid()
	p.session.Status = models.SessionStatusRunning

	if err := p.sendInitialPrompt(opts.InitialPrompt); err != nil {
		log.Printf("spawner: session %s: write initial prompt: %v", sessionID, err)
	}

	go p.readOutput()
	go p.waitForExit()

	s.mu.Lock()
	s.processes[sessionID] = p
	s.mu.Unlock()

	return p.session, p.outputCh, nil
}

// buildArgs constructs the CLI argument list per the headless
// --input-format stream-json contract: the initial prompt is never passed
// as an argument, only over stdin once the process is running.
func buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if opts.ProviderSessionID != "" {
		args = append(args, "--resume", opts.ProviderSessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

// GetSession returns the tracked session, if any.
func (s *Spawner) GetSession(sessionID string) (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[sessionID]
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session := *p.session
	return &session, true
}

// ListActiveSessions returns sessions not yet terminated, optionally
// filtered to one entity.
func (s *Spawner) ListActiveSessions(entityID string) []*models.Session {
	return s.listSessions(entityID, true)
}

// ListAllSessions returns every tracked session, optionally filtered to one
// entity.
func (s *Spawner) ListAllSessions(entityID string) []*models.Session {
	return s.listSessions(entityID, false)
}

func (s *Spawner) listSessions(entityID string, activeOnly bool) []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, p := range s.processes {
		p.mu.Lock()
		session := *p.session
		p.mu.Unlock()

		if entityID != "" && session.EntityID != entityID {
			continue
		}
		if activeOnly && !session.IsActive() {
			continue
		}
		out = append(out, &session)
	}
	return out
}

// GetMostRecentSession returns the most recently started session for an
// entity, active or not.
func (s *Spawner) GetMostRecentSession(entityID string) (*models.Session, bool) {
	all := s.ListAllSessions(entityID)
	if len(all) == 0 {
		return nil, false
	}
	best := all[0]
	for _, session := range all[1:] {
		if session.StartedAt.After(best.StartedAt) {
			best = session
		}
	}
	return best, true
}

// SendInput injects a user message into a running session's stdin. Only
// permitted while the session is running, per the input-acceptability
// predicate.
func (s *Spawner) SendInput(sessionID, content string) error {
	p, err := s.get(sessionID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	status := p.session.Status
	p.mu.Unlock()
	if status != models.SessionStatusRunning {
		return dispatcherr.InvalidArgument("session "+sessionID, fmt.Errorf("not accepting input in status %q", status))
	}

	return p.writeMessage(content)
}

// Suspend transitions a running session to suspended. The underlying
// process is left alive; a true OS-level pause is not attempted because
// the provider CLI holds no resumable state across a SIGSTOP.
func (s *Spawner) Suspend(sessionID string) error {
	p, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return p.transition(models.SessionStatusSuspended)
}

// Terminate ends a session. Graceful termination closes stdin and lets the
// process exit on its own within a short grace period; otherwise it is
// killed immediately.
func (s *Spawner) Terminate(sessionID string, graceful bool) error {
	p, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if terr := p.transition(models.SessionStatusTerminating); terr != nil {
		return terr
	}

	if graceful {
		p.closeStdin()
		select {
		case <-p.done:
			return nil
		case <-time.After(5 * time.Second):
		}
	}
	return p.kill()
}

func (s *Spawner) get(sessionID string) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[sessionID]
	if !ok {
		return nil, dispatcherr.NotFound("session " + sessionID)
	}
	return p, nil
}

// Wait blocks until the session's process exits and returns its terminal
// ExitEvent. Safe to call from multiple goroutines.
func (s *Spawner) Wait(sessionID string) (*models.ExitEvent, error) {
	p, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitEvent, nil
}

// stream parsing shared by both transports.
func decodeStreamLine(sessionID string, line []byte) (models.StreamEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return models.StreamEvent{}, err
	}
	kind, _ := raw["type"].(string)
	event := models.StreamEvent{
		Kind:      models.StreamEventKind(kind),
		SessionID: sessionID,
		Raw:       line,
		Timestamp: time.Now(),
	}
	return event, nil
}
