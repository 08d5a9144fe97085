package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stoneforge-ai/stoneforge/internal/assignment"
	stoneforgeconfig "github.com/stoneforge-ai/stoneforge/internal/config"
	"github.com/stoneforge-ai/stoneforge/internal/daemon"
	"github.com/stoneforge-ai/stoneforge/internal/inbox"
	"github.com/stoneforge-ai/stoneforge/internal/merge"
	"github.com/stoneforge-ai/stoneforge/internal/pool"
	"github.com/stoneforge-ai/stoneforge/internal/registry"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/spawner"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

var (
	daemonWorkspace   string
	daemonConfigPath  string
	daemonProviderCmd string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run or inspect the dispatch daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch daemon in the foreground",
	Long: `Start the dispatch daemon's poll cycle: dispatching ready tasks to idle
workers, routing inbox messages, and driving review-stage tasks through
the merge pipeline. Runs until interrupted (Ctrl-C / SIGTERM).`,
	RunE: runDaemonRun,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current dispatch board",
	RunE:  runDaemonStatus,
}

func init() {
	daemonCmd.PersistentFlags().StringVar(&daemonWorkspace, "workspace", "", "repository root (defaults to the current directory)")
	daemonCmd.PersistentFlags().StringVar(&daemonConfigPath, "config", "", "path to a .stoneforge.yaml config file (defaults to the usual XDG/project lookup)")
	daemonRunCmd.Flags().StringVar(&daemonProviderCmd, "provider-cmd", "claude", "CLI binary the Process Spawner shells out to")
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

// eventColor picks a console color for an observer event kind, the same
// symbol-plus-color idea the old init wizard used for its checklist
// output, applied here to the daemon's event feed instead.
func eventColor(kind models.ObserverEventKind) *color.Color {
	switch {
	case kind == models.EventPollError:
		return color.New(color.FgRed)
	case kind == models.EventTaskDispatched || kind == models.EventAgentSpawned || kind == models.EventAgentTriageSpawned:
		return color.New(color.FgGreen)
	case kind == models.EventDaemonNotification:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// statusColor picks a console color for a task status column in `daemon
// status`'s board summary.
func statusColor(status models.TaskStatus) *color.Color {
	switch status {
	case models.TaskStatusOpen:
		return color.New(color.FgYellow)
	case models.TaskStatusInProgress:
		return color.New(color.FgCyan)
	case models.TaskStatusReview:
		return color.New(color.FgMagenta)
	case models.TaskStatusClosed:
		return color.New(color.FgGreen)
	default:
		return color.New(color.Reset)
	}
}

func resolveWorkspace() (string, error) {
	if daemonWorkspace != "" {
		return daemonWorkspace, nil
	}
	return os.Getwd()
}

func loadConfig() (*stoneforgeconfig.Config, error) {
	if daemonConfigPath != "" {
		return stoneforgeconfig.LoadFromPath(daemonConfigPath)
	}
	return stoneforgeconfig.Load()
}

// bootstrap wires every package the daemon depends on from a single
// project-local database, mirroring the dependency order the packages
// were built in: storage, then worktree, session, registry, assignment,
// inbox, merge, and finally the daemon itself.
func bootstrap(workspace string, cfg *stoneforgeconfig.Config) (*daemon.Daemon, *storage.DB, error) {
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = storage.ProjectDBPath(workspace)
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate storage: %w", err)
	}

	wc, err := worktree.New(workspace, "")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create worktree coordinator: %w", err)
	}

	sp := spawner.New(daemonProviderCmd)
	sessions := session.New(db, db, sp)

	agentPool := pool.New(pool.Limits{
		MaxPerWorkerMode: map[models.WorkerMode]int{
			models.WorkerEphemeral:  8,
			models.WorkerPersistent: 8,
		},
	}, 0)
	sessions.SetExitHook(func(entityID, sessionID string) {
		agentPool.OnAgentReleased(entityID)
	})

	reg := registry.New(db, sessions)
	assigner := assignment.New(db, db, db)

	inboxRouter := inbox.New(db, db, sessions, sessions, sessions, wc, inbox.Options{})

	mergePipeline := merge.New(db, reg, sessions, sessions, wc, wc, merge.Config{
		StuckMergeRecoveryGracePeriod: cfg.Merge.StuckMergeRecoveryGracePeriod,
		ClosedUnmergedGracePeriod:     cfg.Merge.ClosedUnmergedGracePeriod,
		MaxRetries:                    cfg.Merge.MaxRetries,
		SyncTimeout:                   cfg.Merge.SyncTimeout,
	})

	d := daemon.New(db, db, reg, sessions, assigner, wc, inboxRouter, mergePipeline, daemon.Config{
		PollInterval:                        cfg.Daemon.PollInterval,
		WorkerAvailabilityPollEnabled:       cfg.Daemon.WorkerAvailabilityPollEnabled,
		InboxPollEnabled:                    cfg.Daemon.InboxPollEnabled,
		StewardTriggerPollEnabled:           cfg.Daemon.StewardTriggerPollEnabled,
		WorkflowTaskPollEnabled:             cfg.Daemon.WorkflowTaskPollEnabled,
		OrphanRecoveryEnabled:               cfg.Daemon.OrphanRecoveryEnabled,
		ClosedUnmergedReconciliationEnabled: cfg.Daemon.ClosedUnmergedReconciliationEnabled,
		StuckMergeRecoveryEnabled:           cfg.Daemon.StuckMergeRecoveryEnabled,
		MaxSessionDuration:                  cfg.Daemon.MaxSessionDuration,
	})
	d.SetCapacityGater(agentPool)

	return d, db, nil
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	workspace, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, db, err := bootstrap(workspace, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	watcher, err := stoneforgeconfig.NewWatcher(stoneforgeconfig.GetProjectConfigPath(), func(stoneforgeconfig.DaemonConfig) {
		fmt.Fprintln(os.Stderr, "stoneforge: config file changed; new settings take effect on the next daemon start")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stoneforge: config change notices disabled: %v\n", err)
	}
	_ = watcher

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range d.Events() {
			tag := eventColor(ev.Kind).Sprintf("[%s]", ev.Kind)
			switch {
			case ev.NotificationMessage != "":
				fmt.Printf("%s %s: %s\n", tag, ev.NotificationTitle, ev.NotificationMessage)
			case ev.TaskID != "":
				fmt.Printf("%s task=%s agent=%s\n", tag, ev.TaskID, ev.AgentID)
			default:
				fmt.Printf("%s\n", tag)
			}
		}
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-ctx.Done()
	fmt.Println("stoneforge: shutting down")
	d.Stop()
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	workspace, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = storage.ProjectDBPath(workspace)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No dispatch board found. Run 'stoneforge daemon run' to start one.")
		return nil
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	for _, st := range []models.TaskStatus{models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusReview, models.TaskStatusClosed} {
		tasks, err := db.ListTasks(ctx, models.TaskFilter{Status: st})
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", st, err)
		}
		statusColor(st).Printf("%-12s", st)
		fmt.Printf(" %d\n", len(tasks))
	}

	entities, err := db.ListEntities(ctx, models.EntityFilter{})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	fmt.Printf("\n%-24s %-10s %-12s\n", "ENTITY", "ROLE", "MODE/FOCUS")
	for _, e := range entities {
		tag := string(e.WorkerMode)
		if e.Role == models.RoleSteward {
			tag = string(e.StewardFocus)
		}
		fmt.Printf("%-24s %-10s %-12s\n", e.Name, e.Role, tag)
	}

	return nil
}
