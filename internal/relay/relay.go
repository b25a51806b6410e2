package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/models"
	"chat-relay/internal/ollama"
	"chat-relay/internal/session"
)

const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Result is the non-error outcome of a chat turn. Content is only set when
// Status is StatusCompleted.
type Result struct {
	Status  string
	Content string
	Model   string
	Chunks  int
}

// Sink receives every streamed fragment as it arrives. Emit is called from
// the relay's goroutine, one event at a time.
type Sink interface {
	Emit(ctx context.Context, event models.ChatEvent) error
}

type SinkFunc func(ctx context.Context, event models.ChatEvent) error

func (f SinkFunc) Emit(ctx context.Context, event models.ChatEvent) error {
	return f(ctx, event)
}

type Option func(*Relay)

// WithIdleTimeout aborts a turn when the backend stays silent for d.
// Zero disables the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.idleTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type Relay struct {
	state       *session.State
	idleTimeout time.Duration
	logger      *slog.Logger
}

func New(state *session.State, opts ...Option) *Relay {
	r := &Relay{
		state:  state,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunChat relays one exchange: the last message of conversation is sent as
// the new turn with the rest as history, and each reply chunk is forwarded
// to sink. Only one RunChat proceeds at a time; later calls wait their turn.
func (r *Relay) RunChat(ctx context.Context, conversation []models.ChatMessage, model string, sink Sink) (Result, error) {
	if len(conversation) == 0 {
		return Result{}, ErrEmptyConversation
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, models.ChatEvent) error { return nil })
	}

	release, err := r.state.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wait for chat turn: %w", err)
	}
	defer release()

	// A cancel request targets the turn in flight. One that landed while no
	// turn was running, or after the previous turn's last check, is stale.
	r.state.SetCancel(false)
	defer r.state.SetCancel(false)

	logger := r.logger.With("invocation_id", uuid.NewString(), "model", model)
	started := time.Now()

	last := len(conversation) - 1
	history := ollama.NewHistory(conversation[:last])
	current := conversation[last]

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(r.idleTimeout, cancel)
	defer wd.disarm()

	logger.Debug("chat turn started", "history", history.Len())

	wd.arm()
	stream, err := r.state.Backend().ChatStream(streamCtx, history, current, model)
	expired := wd.disarm()
	if err == nil && expired {
		stream.Close()
		err = context.Cause(streamCtx)
	}
	if err != nil {
		err = r.classify(ctx, streamCtx, StageSetup, err)
		logFailure(logger, err, "stage", StageSetup)
		return Result{}, err
	}
	defer stream.Close()

	var response strings.Builder
	chunks := 0
	for {
		wd.arm()
		chunk, err := stream.Next()
		expired := wd.disarm()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && expired {
			// The deadline won the race against this chunk; the stream
			// context is already cancelled.
			err = context.Cause(streamCtx)
		}
		if err != nil {
			err = r.classify(ctx, streamCtx, StageStream, err)
			logFailure(logger, err, "stage", StageStream, "chunks", chunks)
			return Result{}, err
		}

		chunks++
		response.WriteString(chunk.Content)
		if err := sink.Emit(ctx, models.ChatEvent{Role: models.RoleAssistant, Content: chunk.Content}); err != nil {
			logger.Warn("chat turn failed", "stage", "emit", "chunks", chunks, "error", err)
			return Result{}, fmt.Errorf("emit chunk: %w", err)
		}

		if r.state.ConsumeCancel() {
			logger.Info("chat turn cancelled", "chunks", chunks, "elapsed", time.Since(started))
			return Result{Status: StatusCancelled, Model: model, Chunks: chunks}, nil
		}
	}

	logger.Info("chat turn completed", "chunks", chunks, "elapsed", time.Since(started))
	return Result{
		Status:  StatusCompleted,
		Content: response.String(),
		Model:   model,
		Chunks:  chunks,
	}, nil
}

func (r *Relay) classify(ctx, streamCtx context.Context, stage string, err error) error {
	if errors.Is(context.Cause(streamCtx), ErrStreamIdle) {
		return fmt.Errorf("%w after %s", ErrStreamIdle, r.idleTimeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("chat turn abandoned: %w", ctxErr)
	}
	return &BackendError{Stage: stage, Err: err}
}

func logFailure(logger *slog.Logger, err error, args ...any) {
	args = append(args, "error", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug("chat turn abandoned", args...)
		return
	}
	logger.Warn("chat turn failed", args...)
}

// watchdog cancels the stream context with ErrStreamIdle when it stays armed
// for longer than timeout. Each arm starts a new generation; a timer from an
// earlier generation that fires late is ignored, so once disarm returns false
// the context is never cancelled by that wait.
type watchdog struct {
	timeout time.Duration
	cancel  context.CancelCauseFunc

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	expired bool
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{timeout: timeout, cancel: cancel}
}

func (w *watchdog) arm() {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *watchdog) expire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.gen || w.expired {
		return
	}
	w.expired = true
	w.cancel(ErrStreamIdle)
}

// disarm stops the pending wait and reports whether the watchdog has fired.
func (w *watchdog) disarm() bool {
	if w.timeout <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return w.expired
}
