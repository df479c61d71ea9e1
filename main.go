// Command reploid runs the cognitive cycle daemon. It wires the artifact
// store, tool surface, LLM chain, checkpoints, and orchestrator together,
// then drives the approval gates from the terminal when stdin is a TTY
// and from the HTTP console otherwise.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"reploid/pkg/artifact"
	"reploid/pkg/checkpoint"
	"reploid/pkg/config"
	"reploid/pkg/console"
	"reploid/pkg/curator"
	"reploid/pkg/cycle"
	"reploid/pkg/eventlog"
	"reploid/pkg/llm/factory"
	"reploid/pkg/logx"
	"reploid/pkg/metrics"
	"reploid/pkg/persistence"
	"reploid/pkg/tools"
)

// EnvPassphrase lets headless deployments unlock the secrets file without
// a terminal prompt.
const EnvPassphrase = "REPLOID_PASSPHRASE"

const persistQueueSize = 256

type options struct {
	projectDir string
	goal       string
	debug      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.projectDir, "project", ".", "Project directory holding .reploid state")
	flag.StringVar(&opts.goal, "goal", "", "Start a cycle with this goal immediately")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging for all domains")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "reploid: %v\n", err)
		os.Exit(1)
	}
}

//nolint:gocyclo // Linear wiring; splitting it would only hide the order.
func run(opts options) error {
	if opts.debug {
		logx.SetDebug(true, nil)
	}
	logger := logx.NewLogger("main")

	projectDir, err := filepath.Abs(opts.projectDir)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}

	if err := config.LoadConfig(projectDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	if err := unlockSecrets(projectDir, logger); err != nil {
		return err
	}
	defer config.ClearUnlockPassphrase()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if !interactive && !cfg.Console.Enabled {
		return fmt.Errorf("stdin is not a terminal and the console is disabled; nothing can drive the approval gates")
	}

	// Durable stores. Stale sessions are marked before this session is
	// created so the new row is never swept up.
	sessionID := persistence.GenerateSessionID()
	dbPath := resolvePath(projectDir, cfg.Storage.DBPath)
	if err := persistence.Initialize(dbPath, sessionID); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := persistence.Close(); closeErr != nil {
			logger.Warn("Database close failed: %v", closeErr)
		}
	}()

	db := persistence.GetDB()
	if stale, staleErr := persistence.MarkStaleSessions(db); staleErr != nil {
		logger.Warn("Failed to mark stale sessions: %v", staleErr)
	} else if stale > 0 {
		logger.Warn("Marked %d stale sessions as crashed", stale)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to snapshot config: %w", err)
	}
	if err := persistence.CreateSession(db, sessionID, string(cfgJSON)); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger.Info("🚀 Session %s started in %s", sessionID, projectDir)

	store, err := artifact.NewStore(resolvePath(projectDir, cfg.Storage.ArtifactDir))
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	// Tool surface. The registry is owned here and passed explicitly;
	// everything the agent can touch is registered before the first cycle.
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, store); err != nil {
		return err
	}
	runner := tools.NewSubprocessRunner(projectDir, 0, logx.NewLogger("sandbox"))
	if err := registry.Register(tools.NewToolInstallTool(registry, store, runner)); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	usage := metrics.NewInMemoryRecorder()
	recorder := metrics.Tee(metrics.NewPrometheusRecorder(promRegistry), usage)

	// The LLM chain needs cycle labels before the orchestrator exists;
	// the binder closes that loop after construction.
	info := &cycleInfoBinder{}
	llmFactory := factory.New(cfg, recorder)
	client, err := llmFactory.CycleClient(info, logx.NewLogger("llm"))
	if err != nil {
		return fmt.Errorf("failed to build LLM client: %w", err)
	}

	asm, err := curator.NewAssembler(registry, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	if err != nil {
		return fmt.Errorf("failed to build prompt assembler: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checkpoints := checkpoint.NewSQLiteStore(persistence.Ops(), store)
	orch, err := cycle.NewOrchestrator(cycle.Options{
		Curator:          curator.NewCurator(store, cfg.Cycle.MaxContextTokens, nil),
		Assembler:        asm,
		Generator:        curator.NewGenerator(registry),
		Client:           client,
		Dispatcher:       tools.NewDispatcher(registry, recorder, logx.NewLogger("tools")),
		Checkpoints:      checkpoints,
		Index:            store.Index,
		BaseContext:      rootCtx,
		ApplyParallelism: cfg.Cycle.ApplyParallelism,
		MaxHistory:       cfg.Cycle.MaxHistory,
		Recorder:         recorder,
		Logger:           logx.NewLogger("cycle"),
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}
	info.bind(orch)
	orch.OnAlarm = func(alarmErr error) {
		logger.Error("🚨 Checkpoint restore failed, artifact state needs manual review: %v", alarmErr)
	}

	// Audit trail: one subscription fans cycle events into the JSONL log
	// and the SQLite archive.
	eventLog, err := eventlog.NewWriter(resolvePath(projectDir, cfg.Storage.EventLogDir))
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	persistCh := make(chan *persistence.Request, persistQueueSize)
	persistDone := persistence.StartWorker(persistence.Ops(), persistCh, nil)

	arch := newArchiver(sessionID, eventLog, persistCh)
	arch.pruner = checkpoints
	arch.pruneKeep = cfg.Storage.CheckpointKeep
	events, _ := orch.Events().Subscribe(persistQueueSize)
	archDone := make(chan struct{})
	go func() {
		defer close(archDone)
		arch.run(events)
	}()

	if cfg.Console.Enabled {
		srv, consoleErr := console.NewServer(orch, cfg.Console.Username, consolePassword(logger), promRegistry)
		if consoleErr != nil {
			return fmt.Errorf("failed to build console: %w", consoleErr)
		}
		srv.AttachUsage(usage)
		if cfg.Metrics.PrometheusURL != "" {
			query, queryErr := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
			if queryErr != nil {
				return fmt.Errorf("failed to build metrics query service: %w", queryErr)
			}
			srv.AttachQuery(query)
		}
		if consoleErr := srv.Start(rootCtx, cfg.Console.Addr); consoleErr != nil {
			return fmt.Errorf("failed to start console: %w", consoleErr)
		}
		logger.Info("🖥️  Console listening on http://%s (user %s)", cfg.Console.Addr, cfg.Console.Username)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if interactive {
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			approvalLoop(rootCtx, orch, bufio.NewReader(os.Stdin), opts.goal)
		}()
		select {
		case sig := <-sigCh:
			logger.Info("Received %s, shutting down", sig)
		case <-loopDone:
			logger.Info("Terminal session ended, shutting down")
		}
	} else {
		if opts.goal != "" {
			if startErr := orch.Start(opts.goal); startErr != nil {
				logger.Error("Failed to start cycle for -goal: %v", startErr)
			}
		}
		sig := <-sigCh
		logger.Info("Received %s, shutting down", sig)
	}

	// Shutdown: stop admitting work, abort whatever is in flight, then
	// drain the audit pipeline before the database closes.
	cancel()
	if orch.State() != cycle.StateIdle {
		if abortErr := orch.Abort(); abortErr != nil {
			logger.Debug("Abort during shutdown: %v", abortErr)
		}
	}

	orch.Events().Close()
	<-archDone
	close(persistCh)
	select {
	case <-persistDone:
	case <-time.After(5 * time.Second):
		logger.Warn("Persistence worker did not drain in time")
	}

	if err := persistence.UpdateSessionStatus(db, sessionID, persistence.SessionStatusShutdown); err != nil {
		logger.Warn("Failed to mark session shutdown: %v", err)
	}
	if err := eventLog.Close(); err != nil {
		logger.Warn("Event log close failed: %v", err)
	}

	logger.Info("👋 Shutdown complete")
	return nil
}

// resolvePath anchors relative config paths at the project directory.
func resolvePath(projectDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}

// unlockSecrets decrypts the secrets file when one exists, prompting for
// the passphrase on a terminal and falling back to REPLOID_PASSPHRASE.
// Without a secrets file, provider credentials come from the environment.
func unlockSecrets(projectDir string, logger *logx.Logger) error {
	if !config.SecretsFileExists(projectDir) {
		logger.Debug("No secrets file; provider credentials come from the environment")
		return nil
	}

	passphrase := os.Getenv(EnvPassphrase)
	if passphrase == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("secrets file exists but there is no terminal to prompt; set %s", EnvPassphrase)
		}
		fmt.Fprint(os.Stderr, "Secrets passphrase: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		passphrase = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, passphrase)
	if err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	config.SetUnlockPassphrase(passphrase)
	logger.Info("🔓 Unlocked %d secrets", len(secrets))
	return nil
}

// consolePassword resolves the console basic auth password: the
// CONSOLE_PASSWORD secret, then the unlock passphrase, then a random
// one-session password logged for the operator.
func consolePassword(logger *logx.Logger) string {
	if pw, err := config.GetSecret("CONSOLE_PASSWORD"); err == nil && pw != "" {
		return pw
	}
	if pw := config.GetUnlockPassphrase(); pw != "" {
		return pw
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	pw := hex.EncodeToString(buf)
	logger.Warn("No console password configured; using generated password for this session: %s", pw)
	return pw
}

// cycleInfoBinder satisfies metrics.CycleInfo before the orchestrator
// exists. The LLM chain is built first because the orchestrator requires
// the client; bind closes the loop once both ends are constructed.
type cycleInfoBinder struct {
	mu   sync.RWMutex
	orch *cycle.Orchestrator
}

func (b *cycleInfoBinder) bind(orch *cycle.Orchestrator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orch = orch
}

// CycleID returns the bound orchestrator's cycle id, or "" before bind.
func (b *cycleInfoBinder) CycleID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.orch == nil {
		return ""
	}
	return b.orch.CycleID()
}

// StateName returns the bound orchestrator's state, or "" before bind.
func (b *cycleInfoBinder) StateName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.orch == nil {
		return ""
	}
	return b.orch.StateName()
}

// checkpointPruner is the retention hook the archiver drives after
// completed cycles. *checkpoint.SQLiteStore implements it.
type checkpointPruner interface {
	Prune(keep int) (int, error)
}

// archiver fans cycle events into the JSONL event log and the SQLite
// archive. It tracks in-flight cycle rows so the terminal upsert carries
// the goal and start time that later events omit.
type archiver struct {
	sessionID string
	eventLog  *eventlog.Writer
	persistCh chan<- *persistence.Request
	logger    *logx.Logger
	pruner    checkpointPruner
	pruneKeep int

	open map[string]*persistence.CycleRecord
}

func newArchiver(sessionID string, eventLog *eventlog.Writer, persistCh chan<- *persistence.Request) *archiver {
	return &archiver{
		sessionID: sessionID,
		eventLog:  eventLog,
		persistCh: persistCh,
		logger:    logx.NewLogger("archiver"),
		open:      make(map[string]*persistence.CycleRecord),
	}
}

// run consumes events until the subscription closes. Archival is
// best-effort: failures are logged, never raised.
func (a *archiver) run(events <-chan cycle.Event) {
	for ev := range events {
		if err := a.eventLog.Write(eventlog.Event{
			Timestamp: ev.Timestamp,
			Type:      string(ev.Type),
			SessionID: a.sessionID,
			CycleID:   ev.CycleID,
			Payload:   ev.Payload,
		}); err != nil {
			a.logger.Warn("Event log write failed: %v", err)
		}
		a.persist(ev)
	}
}

func (a *archiver) persist(ev cycle.Event) {
	switch ev.Type {
	case cycle.EventTransition:
		a.persistTransition(ev)
	case cycle.EventCompleted:
		summary, ok := ev.Payload["summary"].(cycle.Summary)
		if !ok {
			return
		}
		rec := a.take(ev.CycleID)
		rec.Goal = summary.Goal
		rec.Outcome = summary.Outcome
		rec.Iterations = summary.Passes
		rec.ChangesetSize = summary.ChangesetSize
		if rec.StartedAt.IsZero() {
			rec.StartedAt = ev.Timestamp.Add(-summary.Duration)
		}
		ended := ev.Timestamp
		rec.EndedAt = &ended
		persistence.PersistCycle(rec, a.persistCh)
		a.pruneCheckpoints()
	case cycle.EventError:
		if ev.CycleID == "" {
			return
		}
		rec := a.take(ev.CycleID)
		rec.Outcome = persistence.OutcomeError
		rec.Error = stringField(ev.Payload, "reason")
		ended := ev.Timestamp
		rec.EndedAt = &ended
		persistence.PersistCycle(rec, a.persistCh)
	case cycle.EventSuspended:
		// Gate parks carry no archival state beyond the event log line.
	}
}

func (a *archiver) persistTransition(ev cycle.Event) {
	from := stringField(ev.Payload, "from")
	to := stringField(ev.Payload, "to")
	goal := stringField(ev.Payload, "goal")

	persistence.PersistTransition(&persistence.TransitionRow{
		CreatedAt: ev.Timestamp,
		CycleID:   ev.CycleID,
		FromState: from,
		ToState:   to,
		Goal:      goal,
	}, a.persistCh)

	// A cycle's first transition opens its archive row.
	if from == string(cycle.StateIdle) && to == string(cycle.StateCuratingContext) && ev.CycleID != "" {
		rec := &persistence.CycleRecord{
			ID:        ev.CycleID,
			Goal:      goal,
			Outcome:   persistence.OutcomeRunning,
			StartedAt: ev.Timestamp,
		}
		a.open[ev.CycleID] = rec
		snapshot := *rec
		persistence.PersistCycle(&snapshot, a.persistCh)
	}
}

// pruneCheckpoints trims old snapshots once a cycle lands. Errored
// cycles keep theirs so the operator can still inspect the pre-failure
// state; retention is housekeeping, never correctness.
func (a *archiver) pruneCheckpoints() {
	if a.pruner == nil || a.pruneKeep <= 0 {
		return
	}
	n, err := a.pruner.Prune(a.pruneKeep)
	if err != nil {
		a.logger.Warn("Checkpoint prune failed: %v", err)
		return
	}
	if n > 0 {
		a.logger.Debug("Pruned %d old checkpoints", n)
	}
}

// take removes and returns the in-flight record for a cycle, or a fresh
// one when the opening transition was never seen.
func (a *archiver) take(cycleID string) *persistence.CycleRecord {
	if rec, ok := a.open[cycleID]; ok {
		delete(a.open, cycleID)
		return rec
	}
	return &persistence.CycleRecord{ID: cycleID}
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// approvalLoop drives the gates from the terminal until the operator
// quits or stdin closes. The console can observe and abort concurrently;
// the loop just re-reads the state it lands on.
func approvalLoop(ctx context.Context, orch *cycle.Orchestrator, in *bufio.Reader, initialGoal string) {
	for ctx.Err() == nil {
		switch orch.State() {
		case cycle.StateIdle, cycle.StateError:
			if orch.State() == cycle.StateError {
				fmt.Println("Previous cycle failed; starting a new goal clears the error.")
			}
			goal := initialGoal
			initialGoal = ""
			if goal == "" {
				line, err := promptLine(in, "goal> ")
				if err != nil {
					return
				}
				goal = line
			}
			switch goal {
			case "":
				continue
			case "quit", "exit":
				return
			}
			if err := orch.Start(goal); err != nil {
				fmt.Printf("start failed: %v\n", err)
			}

		case cycle.StateAwaitingContextApproval:
			printContextGate(orch.Status())
			answer, err := promptLine(in, "[a]pprove / [r]ecurate / a[b]andon / [q]uit: ")
			if err != nil {
				return
			}
			var opErr error
			switch answer {
			case "a", "approve":
				opErr = orch.ApproveContext()
			case "r", "recurate":
				opErr = orch.RejectContext(cycle.RejectRecurate)
			case "b", "abandon":
				opErr = orch.RejectContext(cycle.RejectAbandon)
			case "q", "quit":
				return
			default:
				fmt.Printf("unrecognized answer %q\n", answer)
			}
			if opErr != nil {
				fmt.Printf("operation failed: %v\n", opErr)
			}

		case cycle.StateAwaitingProposalApproval:
			printProposalGate(orch.Status())
			answer, err := promptLine(in, "[a]pprove / [r]eplan / a[b]andon / [q]uit: ")
			if err != nil {
				return
			}
			var opErr error
			switch answer {
			case "a", "approve":
				opErr = orch.ApproveProposal()
			case "r", "replan":
				opErr = orch.RejectProposal(cycle.RejectReplan)
			case "b", "abandon":
				opErr = orch.RejectProposal(cycle.RejectAbandon)
			case "q", "quit":
				return
			default:
				fmt.Printf("unrecognized answer %q\n", answer)
			}
			if opErr != nil {
				fmt.Printf("operation failed: %v\n", opErr)
			}

		default:
			// Transient state observed while the console mutates
			// concurrently; re-read shortly.
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func promptLine(in *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printContextGate(status cycle.Status) {
	fmt.Printf("\nCycle %s pass %d\nGoal: %s\n", status.CycleID, status.Pass, status.Goal)
	if status.Selected.Rationale != "" {
		fmt.Printf("Curation: %s\n", status.Selected.Rationale)
	}
	for _, art := range status.Selected.Artifacts {
		fmt.Printf("  - %s (%s, v%d)\n", art.Name, art.Kind, art.Version)
	}
	if len(status.Selected.Artifacts) == 0 {
		fmt.Println("  (no artifacts selected)")
	}
}

func printProposalGate(status cycle.Status) {
	fmt.Printf("\nProposed changeset for cycle %s (%d entries):\n", status.CycleID, status.Changeset.Size())
	for i, entry := range status.Changeset.Entries {
		args, err := json.Marshal(entry.Args)
		if err != nil {
			args = []byte("{}")
		}
		fmt.Printf("  %d. %s %s", i+1, entry.Tool, args)
		if entry.ParallelSafe {
			fmt.Print(" (parallel-safe)")
		}
		fmt.Println()
		if entry.Rationale != "" {
			fmt.Printf("     %s\n", entry.Rationale)
		}
	}
	if status.Changeset.Size() == 0 {
		fmt.Println("  (empty changeset; the model proposed no changes)")
	}
}
