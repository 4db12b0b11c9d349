package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tether/internal/breaker"
	"tether/internal/config"
	"tether/internal/embedding"
	"tether/internal/frame"
	"tether/internal/loop"
	"tether/internal/memory"
	"tether/internal/nudge"
	"tether/internal/safety"
	"tether/internal/store"
	"tether/internal/types"
)

// serveCmd runs the engine over stdin/stdout JSON lines.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine, reading events as JSON lines on stdin",
	Long: `Reads one InboundEvent per line from stdin and writes one CycleResult
per line to stdout. Dispatched actions are emitted to stdout as well,
tagged with "type":"action". The process exits cleanly on EOF or SIGINT.

Event format:
  {"user_id":"u1","session_id":"s1","task_id":"t1","text":"...","signal":"progress"}`,
	RunE: runServe,
}

// ingestCmd appends a single event without running a decision cycle.
var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Append one event to the trace store without deciding",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var (
	ingestUser    string
	ingestSession string
	ingestTask    string
)

func init() {
	ingestCmd.Flags().StringVar(&ingestUser, "user", "local", "user id")
	ingestCmd.Flags().StringVar(&ingestSession, "session", "cli", "session id")
	ingestCmd.Flags().StringVar(&ingestTask, "task", "", "task id")
}

// =============================================================================
// ENGINE ASSEMBLY
// =============================================================================

// engine bundles everything serve needs to run and shut down.
type engine struct {
	cfg     *config.Config
	store   *store.TraceStore
	loop    *loop.Loop
	worker  *memory.Worker
	watcher *config.TuningWatcher
}

// buildEngine wires the full stack from configuration.
func buildEngine(ctx context.Context, cfg *config.Config, dispatcher types.ActionDispatcher) (*engine, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	if embedder != nil {
		st.SetEmbeddingEngine(embedder)
	}

	manager := memory.NewManager(st, cfg.Memory, embedder, nil)
	frames := frame.NewBuilder(st, cfg.Frame)
	gate := safety.NewGate(cfg.Safety, nil)
	breakers := breaker.NewRegistry(cfg.Breaker, st)
	selector := nudge.NewStrategySelector()
	machine := nudge.NewMachine(cfg.Nudge, selector)

	// Tuning hot-reload: validated snapshots feed the strategy table,
	// per-user ceilings, and breaker thresholds.
	watcher, err := config.NewTuningWatcher(cfg.TuningPath(), func(t *config.Tuning) {
		selector.ApplyTuning(t)
		machine.ApplyTuning(t)
		breakers.ApplyTuning(t.BreakerNegativeThreshold, t.BreakerCoolDown.Value())
	})
	if err != nil {
		logger.Warn("tuning watcher unavailable", zap.Error(err))
		watcher = nil
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("tuning watcher failed to start", zap.Error(err))
		watcher = nil
	}

	cl, err := loop.New(loop.Options{
		Store:          st,
		Frames:         frames,
		Gate:           gate,
		Breakers:       breakers,
		Machine:        machine,
		Dispatcher:     dispatcher,
		Dispatch:       cfg.Dispatch,
		Budget:         cfg.Frame.Budget,
		ResponseWindow: cfg.Nudge.ResponseWindow.Value(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	cl.Start(ctx)

	return &engine{
		cfg:     cfg,
		store:   st,
		loop:    cl,
		worker:  memory.StartWorker(ctx, manager),
		watcher: watcher,
	}, nil
}

func (e *engine) shutdown() {
	e.loop.Stop()
	e.worker.Stop()
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.store.Close()
}

// =============================================================================
// SERVE
// =============================================================================

// stdoutDispatcher writes actions to stdout as JSON lines, sharing the
// encoder lock with cycle results so lines never interleave.
type stdoutDispatcher struct {
	mu  *sync.Mutex
	enc *json.Encoder
}

func (d *stdoutDispatcher) Dispatch(ctx context.Context, action types.DispatchAction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enc.Encode(struct {
		Type string `json:"type"`
		types.DispatchAction
	}{Type: "action", DispatchAction: action})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var outMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)

	eng, err := buildEngine(ctx, cfg, &stdoutDispatcher{mu: &outMu, enc: enc})
	if err != nil {
		return err
	}
	defer eng.shutdown()

	logger.Info("serving", zap.String("data_dir", cfg.DataDir))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event types.InboundEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logger.Warn("malformed event line", zap.Error(err))
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		res := eng.loop.Process(ctx, event)
		if res.Err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("cycle failed", zap.Error(res.Err))
			continue
		}

		outMu.Lock()
		err = enc.Encode(struct {
			Type string `json:"type"`
			loop.CycleResult
		}{Type: "result", CycleResult: res})
		outMu.Unlock()
		if err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return scanner.Err()
}

// =============================================================================
// INGEST
// =============================================================================

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	text := ""
	for i, a := range args {
		if i > 0 {
			text += " "
		}
		text += a
	}

	rec := types.TraceRecord{
		ID:        newRecordID(),
		UserID:    ingestUser,
		SessionID: ingestSession,
		TaskID:    ingestTask,
		Timestamp: time.Now().UTC(),
		Kind:      types.KindUtterance,
		Priority:  types.PriorityMedium,
		Summary:   text,
	}
	if err := st.Append(rec); err != nil {
		return err
	}
	fmt.Printf("appended %s\n", rec.ID)
	return nil
}
