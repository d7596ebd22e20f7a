package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"timeclock/internal/attendance"
	"timeclock/internal/queue"
)

// Exec runs the after-fetch script as a child process.
type Exec struct {
	script string
	logger zerolog.Logger
	start  func(*exec.Cmd) error
}

// NewExec creates a runner for script. An empty script disables the hook.
func NewExec(script string, logger zerolog.Logger) *Exec {
	return &Exec{script: script, logger: logger, start: startDetached(logger)}
}

// Fire starts the script with the run described in its environment and
// returns without waiting. A missing script is not an error.
func (e *Exec) Fire(_ context.Context, run attendance.Run) error {
	cmd, err := e.prepare(context.Background(), run)
	if cmd == nil || err != nil {
		return err
	}
	if err := e.start(cmd); err != nil {
		return fmt.Errorf("start after-fetch script: %w", err)
	}
	e.logger.Debug().Str("script", e.script).Str("run_id", run.ID).Msg("after-fetch script started")
	return nil
}

// Run executes the script and waits for it, killing it when ctx ends.
func (e *Exec) Run(ctx context.Context, run attendance.Run) error {
	cmd, err := e.prepare(ctx, run)
	if cmd == nil || err != nil {
		return err
	}
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		e.logger.Debug().Str("script", e.script).Str("run_id", run.ID).Bytes("output", out).Msg("after-fetch script output")
	}
	if err != nil {
		return fmt.Errorf("run after-fetch script: %w", err)
	}
	return nil
}

func (e *Exec) prepare(ctx context.Context, run attendance.Run) (*exec.Cmd, error) {
	if e == nil || e.script == "" {
		return nil, nil
	}
	if _, err := os.Stat(e.script); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Debug().Str("script", e.script).Msg("after-fetch script not found, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("stat after-fetch script: %w", err)
	}
	cmd := Command(ctx, e.script)
	cmd.Env = append(os.Environ(),
		"TIMECLOCK_RUN_ID="+run.ID,
		"TIMECLOCK_SOURCE="+string(run.Source),
		"TIMECLOCK_STORED="+strconv.Itoa(run.Stored),
	)
	return cmd, nil
}

// Command builds the process for a script, picking an interpreter from the
// file extension.
func Command(ctx context.Context, script string) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".js", ".mjs", ".cjs":
		return exec.CommandContext(ctx, "node", script)
	case ".sh":
		return exec.CommandContext(ctx, "sh", script)
	case ".py":
		return exec.CommandContext(ctx, "python3", script)
	default:
		return exec.CommandContext(ctx, script)
	}
}

func startDetached(logger zerolog.Logger) func(*exec.Cmd) error {
	return func(cmd *exec.Cmd) error {
		if err := cmd.Start(); err != nil {
			return err
		}
		go func() {
			if err := cmd.Wait(); err != nil {
				logger.Warn().Err(err).Str("script", cmd.Path).Msg("after-fetch script exited with error")
			}
		}()
		return nil
	}
}

// RunNotice is the queue body published for every device batch.
type RunNotice struct {
	RunID  string `json:"run_id"`
	Source string `json:"source"`
	Stored int    `json:"stored"`
}

// Publisher announces device batches on the queue so a worker can run the
// after-fetch script out of process.
type Publisher struct {
	q queue.Queue
}

// NewPublisher creates a publisher.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Fire publishes the run.
func (p *Publisher) Fire(ctx context.Context, run attendance.Run) error {
	msg, err := queue.NewMessage(queue.TypeIngestRun, RunNotice{RunID: run.ID, Source: string(run.Source), Stored: run.Stored})
	if err != nil {
		return err
	}
	return p.q.Publish(ctx, msg)
}

// Decode turns a queue message back into a run.
func Decode(msg queue.Message) (attendance.Run, error) {
	if msg.Type != queue.TypeIngestRun {
		return attendance.Run{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var n RunNotice
	if err := msg.Decode(&n); err != nil {
		return attendance.Run{}, err
	}
	return attendance.Run{ID: n.RunID, Source: attendance.Source(n.Source), Stored: n.Stored}, nil
}

// ScriptTimeout bounds one queued after-fetch script run.
const ScriptTimeout = 2 * time.Minute

// Runner executes the after-fetch script for one run and waits for it.
type Runner interface {
	Run(ctx context.Context, run attendance.Run) error
}

// Consume runs the script for every run notice on q until ctx ends.
func Consume(ctx context.Context, q queue.Queue, runner Runner, logger zerolog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	process(ctx, messages, runner, logger)
	return nil
}

// Drain is Consume in the background.
func Drain(ctx context.Context, q queue.Queue, runner Runner, logger zerolog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	go process(ctx, messages, runner, logger)
	return nil
}

func process(ctx context.Context, messages <-chan queue.Message, runner Runner, logger zerolog.Logger) {
	for msg := range messages {
		run, err := Decode(msg)
		if err != nil {
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("skipping message")
			continue
		}
		l := logger.With().Str("run_id", run.ID).Str("source", string(run.Source)).Logger()
		l.Info().Int("stored", run.Stored).Msg("processing ingestion run")

		runCtx, cancel := context.WithTimeout(ctx, ScriptTimeout)
		err = runner.Run(runCtx, run)
		cancel()
		if err != nil {
			l.Error().Err(err).Msg("after-fetch script failed")
			continue
		}
		l.Info().Msg("after-fetch script done")
	}
}
