// Package agent drives staged agent turns and streams them to clients.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/files"
	"github.com/ashureev/pagesmith/internal/model"
	"github.com/ashureev/pagesmith/internal/response"
	"github.com/ashureev/pagesmith/internal/store"
)

const instrumentationName = "github.com/ashureev/pagesmith/internal/agent"

const (
	defaultTurnTimeout = 2 * time.Minute
	previewTimeout     = time.Minute
)

var (
	// ErrSessionBusy is returned while another turn holds the session.
	ErrSessionBusy = errors.New("session has a turn in progress")
	// ErrSessionClosed is returned for completed or abandoned sessions.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNothingToRetry is returned when the last turn did not fail.
	ErrNothingToRetry = errors.New("no failed turn to retry")
	// ErrEmptyMessage is returned for a turn with no text and no override.
	ErrEmptyMessage = errors.New("message is empty")
)

// TurnRequest is one user message addressed to a session.
type TurnRequest struct {
	SessionID string
	// OwnerID scopes access. Empty skips the ownership check.
	OwnerID string
	Message string
}

// Previewer receives the files of a finished coding turn.
type Previewer interface {
	Publish(ctx context.Context, sessionID string, files []domain.StreamingFile) (string, error)
}

// Orchestrator runs agent turns against stored sessions. It is the only
// component that mutates sessions.
type Orchestrator struct {
	repo       store.Repository
	client     model.Client
	strategies Strategies
	locks      *keyedLocks

	logger      *slog.Logger
	validator   *response.Validator
	previewer   Previewer
	now         func() time.Time
	newID       func() string
	turnTimeout time.Duration

	tracer      trace.Tracer
	turns       metric.Int64Counter
	failures    metric.Int64Counter
	transitions metric.Int64Counter

	background sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides session and execution id generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithTurnTimeout bounds model calls whose strategy sets no timeout.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnTimeout = d
		}
	}
}

// WithValidator validates completed model documents.
func WithValidator(v *response.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithPreviewer publishes coding output after successful turns.
func WithPreviewer(p Previewer) Option {
	return func(o *Orchestrator) { o.previewer = p }
}

// NewOrchestrator returns an orchestrator. Every non-terminal stage must
// have a strategy.
func NewOrchestrator(repo store.Repository, client model.Client, strategies Strategies, opts ...Option) (*Orchestrator, error) {
	if repo == nil || client == nil {
		return nil, errors.New("orchestrator needs a repository and a model client")
	}
	if err := strategies.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		repo:        repo,
		client:      client,
		strategies:  strategies,
		locks:       newKeyedLocks(),
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
		turnTimeout: defaultTurnTimeout,
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if o.turns, err = meter.Int64Counter("pagesmith.agent.turns",
		metric.WithDescription("Agent turns by stage and outcome")); err != nil {
		return nil, fmt.Errorf("create turns counter: %w", err)
	}
	if o.failures, err = meter.Int64Counter("pagesmith.agent.turn_errors",
		metric.WithDescription("Agent turns that ended with an error snapshot")); err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}
	if o.transitions, err = meter.Int64Counter("pagesmith.agent.stage_transitions",
		metric.WithDescription("Stage advances")); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	return o, nil
}

// Close waits for background preview publishing to finish.
func (o *Orchestrator) Close() {
	o.background.Wait()
}

// ModelName returns the name of the model provider.
func (o *Orchestrator) ModelName() string {
	return o.client.Name()
}

// CreateSession stores a new session at the welcome stage.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID string) (*domain.Session, error) {
	sess := domain.NewSession(o.newID(), ownerID, o.now())
	if err := o.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info("[SESSION] created", "session_id", sess.ID, "owner_id", ownerID)
	return sess, nil
}

// Session returns a copy of a stored session.
func (o *Orchestrator) Session(ctx context.Context, id, ownerID string) (*domain.Session, error) {
	return o.load(ctx, id, ownerID)
}

// DeleteSession removes a session that has no turn in progress.
func (o *Orchestrator) DeleteSession(ctx context.Context, id, ownerID string) error {
	if _, err := o.load(ctx, id, ownerID); err != nil {
		return err
	}
	if !o.locks.TryLock(id) {
		return ErrSessionBusy
	}
	defer o.locks.Unlock(id)
	return o.repo.Delete(ctx, id)
}

// ResetToStage positions a session at stage and forgets everything recorded
// at or after it.
func (o *Orchestrator) ResetToStage(ctx context.Context, id, ownerID string, stage domain.Stage) (*domain.Session, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStage, stage)
	}
	if !o.locks.TryLock(id) {
		return nil, ErrSessionBusy
	}
	defer o.locks.Unlock(id)

	sess, err := o.load(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	if err := sess.ResetTo(stage, now); err != nil {
		return nil, err
	}
	for s := range sess.StageOutputs {
		if !s.Before(stage) {
			delete(sess.StageOutputs, s)
		}
	}
	if !domain.StageCoding.Before(stage) {
		sess.Files = nil
	}
	sess.Progress = 0
	if err := o.repo.Replace(ctx, sess); err != nil {
		return nil, fmt.Errorf("replace session: %w", err)
	}
	o.logger.Info("[SESSION] reset", "session_id", id, "stage", stage)
	return sess, nil
}

// Turn runs one user message. Pre-flight problems (unknown session, closed
// session, busy session, bad directive) are returned as errors. Everything
// after that is reported through the sequence: snapshots arrive in order,
// and a failed turn ends with exactly one snapshot whose intent is "error".
//
// The model stream is read only while the consumer pulls. Stopping early
// or canceling ctx pauses the session.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (iter.Seq[domain.PartialResponse], error) {
	d, err := ParseDirectives(req.Message)
	if err != nil {
		return nil, err
	}
	if d.Text == "" && !d.Override() {
		return nil, ErrEmptyMessage
	}
	if d.Override() && o.strategies[d.Stage] == nil {
		return nil, fmt.Errorf("%w: no agent for stage %s", domain.ErrInvalidStage, d.Stage)
	}
	if err := o.preflight(ctx, req.SessionID, req.OwnerID); err != nil {
		return nil, err
	}
	turn := Turn{Input: d.Text, Override: d.Override(), TestMode: d.TestMode}
	return o.run(ctx, req.SessionID, d.Stage, turn), nil
}

// Retry re-runs the last failed or canceled turn of a session with the same
// input and directives. It returns ErrNothingToRetry once a turn succeeded.
func (o *Orchestrator) Retry(ctx context.Context, sessionID, ownerID string) (iter.Seq[domain.PartialResponse], error) {
	if err := o.preflight(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	sess, err := o.load(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	last := sess.LastExecution()
	if last == nil || (last.Status != domain.ExecutionFailed && last.Status != domain.ExecutionCanceled) {
		return nil, ErrNothingToRetry
	}
	var forced domain.Stage
	if last.Override {
		forced = last.Stage
	}
	turn := Turn{Input: last.Input, Override: last.Override, TestMode: last.TestMode, Retry: true}
	return o.run(ctx, sessionID, forced, turn), nil
}

func (o *Orchestrator) preflight(ctx context.Context, id, ownerID string) error {
	sess, err := o.load(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if sess.Status.Closed() {
		return ErrSessionClosed
	}
	if o.locks.Busy(id) {
		return ErrSessionBusy
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, id, ownerID string) (*domain.Session, error) {
	sess, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && sess.OwnerID != "" && sess.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (o *Orchestrator) run(ctx context.Context, id string, forced domain.Stage, turn Turn) iter.Seq[domain.PartialResponse] {
	return func(yield func(domain.PartialResponse) bool) {
		if !o.locks.TryLock(id) {
			yield(errorSnapshot("", 0, nil, "Another message for this session is still being answered."))
			return
		}
		defer o.locks.Unlock(id)
		o.execute(ctx, id, forced, turn, yield)
	}
}

// execute holds the session lock for the whole turn.
//
//nolint:gocyclo // The turn lifecycle reads top to bottom.
func (o *Orchestrator) execute(ctx context.Context, id string, forced domain.Stage, turn Turn, yield func(domain.PartialResponse) bool) {
	started := o.now()
	sess, err := o.repo.Get(ctx, id)
	if err != nil {
		o.logger.Error("[TURN] failed to load session", "session_id", id, "error", err)
		yield(errorSnapshot("", 0, nil, "This session could not be loaded."))
		return
	}
	if sess.Status.Closed() {
		yield(errorSnapshot(sess.CurrentStage, sess.Progress, nil, "This session is closed."))
		return
	}

	stage := sess.CurrentStage
	if forced != "" {
		stage = forced
	}
	strategy := o.strategies[stage]
	if strategy == nil {
		yield(errorSnapshot(stage, sess.Progress, nil, "No agent handles this stage."))
		return
	}

	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("pagesmith.session_id", id),
		attribute.String("pagesmith.stage", string(stage)),
		attribute.String("pagesmith.agent", strategy.Name()),
		attribute.Bool("pagesmith.override", turn.Override),
		attribute.Bool("pagesmith.test_mode", turn.TestMode),
		attribute.Bool("pagesmith.retry", turn.Retry),
	))
	defer span.End()
	log := o.logger.With("session_id", id, "stage", stage, "agent", strategy.Name())

	if !turn.Retry {
		meta := map[string]any{}
		if turn.Override {
			meta["override"] = string(stage)
		}
		if turn.TestMode {
			meta["test_mode"] = true
		}
		sess.RecordMessage(domain.RoleUser, "", turn.Input, started, meta)
	}
	exec := domain.AgentExecution{
		ID:        o.newID(),
		Stage:     stage,
		Agent:     strategy.Name(),
		Input:     turn.Input,
		Override:  turn.Override,
		TestMode:  turn.TestMode,
		StartedAt: started,
	}
	if stale := sess.RunningExecution(); stale != nil {
		// Only a crashed process leaves a running entry behind; the lock is ours.
		sess.FinishExecution(stale.ID, domain.ExecutionFailed, nil, "interrupted", started)
	}
	if err := sess.BeginExecution(exec); err != nil {
		log.Error("[TURN] failed to begin execution", "error", err)
		yield(errorSnapshot(stage, sess.Progress, nil, "This turn could not be started."))
		return
	}

	req, err := strategy.Prepare(sess, turn)
	if err != nil {
		o.fail(ctx, span, log, sess, exec, nil, err, yield)
		return
	}
	o.persist(ctx, log, sess)
	log.Info("[TURN] started", "override", turn.Override, "test_mode", turn.TestMode, "retry", turn.Retry)

	timeout := strategy.Timeout()
	if timeout <= 0 {
		timeout = o.turnTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := o.newTurnState(strategy, log, stage, yield)
	var streamErr error
	for chunk, err := range o.client.Stream(callCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if !t.feed(chunk) {
			break
		}
	}

	switch {
	case t.stopped || ctx.Err() != nil:
		o.cancel(ctx, span, log, sess, exec, t)
		return
	case streamErr != nil:
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			streamErr = fmt.Errorf("agent timed out after %s: %w", timeout, streamErr)
		}
		o.fail(ctx, span, log, sess, exec, t, streamErr, yield)
		return
	}

	final := t.finish()
	outcome := strategy.Finalize(sess, Result{Response: final, Raw: t.asm.Final()})
	now := o.now()

	meta := map[string]any{"stage": string(stage), "execution_id": exec.ID}
	if st := final.SystemState; st != nil {
		meta["intent"] = st.Intent
		sess.SetProgress(st.Progress)
	}
	sess.RecordMessage(domain.RoleAssistant, strategy.Name(), final.Reply(), now, meta)
	sess.FinishExecution(exec.ID, domain.ExecutionCompleted, t.asm.Final(), "", now)
	sess.Metrics.Turns++
	if sess.Status == domain.SessionPaused {
		sess.Status = domain.SessionActive
	}

	if outcome.Advance {
		o.advance(ctx, log, sess, now)
	}
	if outcome.Complete && !turn.Override {
		if sess.CurrentStage == domain.StageCoding {
			o.advance(ctx, log, sess, now)
		}
		sess.Status = domain.SessionCompleted
	}
	o.persist(ctx, log, sess)

	o.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", "completed"),
	))
	span.SetAttributes(
		attribute.Int("pagesmith.snapshots", t.yielded),
		attribute.Int("pagesmith.anomalies", t.asm.Anomalies()),
		attribute.String("pagesmith.current_stage", string(sess.CurrentStage)),
	)
	log.Info("[TURN] completed",
		"snapshots", t.yielded,
		"anomalies", t.asm.Anomalies(),
		"advance", outcome.Advance,
		"complete", outcome.Complete,
		"current_stage", sess.CurrentStage,
		"duration", now.Sub(started),
	)

	if stage == domain.StageCoding {
		o.publish(ctx, log, sess.ID, sess.Files)
	}
}

func (o *Orchestrator) advance(ctx context.Context, log *slog.Logger, sess *domain.Session, now time.Time) {
	from := sess.CurrentStage
	to, err := sess.Advance(ctx, now)
	if err != nil {
		log.Warn("[TURN] advance ignored", "from", from, "error", err)
		return
	}
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	log.Info("[TURN] stage advanced", "from", from, "to", to)
}

// fail ends the turn with one error snapshot. t is nil when the model was
// never called.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, log *slog.Logger, sess *domain.Session,
	exec domain.AgentExecution, t *turnState, cause error, yield func(domain.PartialResponse) bool,
) {
	now := o.now()
	kind := "upstream"
	reply := "Something went wrong while answering. You can retry this message."
	if errors.Is(cause, ErrMissingPrerequisite) {
		kind = "missing_prerequisite"
		reply = "This step needs an earlier step to finish first."
	}

	var progress float64
	var fileState []domain.StreamingFile
	sealed := false
	if t != nil {
		progress = t.asm.Progress()
		sealed = t.asm.Sealed()
		if t.files != nil {
			t.files.Abort()
			fileState = t.files.Files()
			sess.Files = fileState
		}
	}

	sess.Metrics.Errors++
	sess.RecordMessage(domain.RoleSystem, "", fmt.Sprintf("%s failed: %v", exec.Agent, cause), now,
		map[string]any{"error": kind, "execution_id": exec.ID})
	sess.FinishExecution(exec.ID, domain.ExecutionFailed, nil, cause.Error(), now)
	o.persist(ctx, log, sess)

	o.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(exec.Stage)),
		attribute.String("kind", kind),
	))
	o.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(exec.Stage)),
		attribute.String("outcome", "failed"),
	))
	span.RecordError(cause)
	span.SetStatus(codes.Error, kind)
	log.Warn("[TURN] failed", "kind", kind, "error", cause)

	if sealed {
		return
	}
	snap := errorSnapshot(exec.Stage, progress, fileState, reply)
	snap.SystemState.Metadata = map[string]any{"error": kind, "detail": cause.Error()}
	yield(snap)
}

// cancel pauses the session after the consumer went away.
func (o *Orchestrator) cancel(ctx context.Context, span trace.Span, log *slog.Logger, sess *domain.Session,
	exec domain.AgentExecution, t *turnState,
) {
	now := o.now()
	if t.files != nil {
		t.files.Abort()
		if fs := t.files.Files(); len(fs) > 0 {
			sess.Files = fs
		}
	}
	sess.Status = domain.SessionPaused
	sess.FinishExecution(exec.ID, domain.ExecutionCanceled, nil, "canceled", now)
	o.persist(ctx, log, sess)

	o.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(exec.Stage)),
		attribute.String("outcome", "canceled"),
	))
	span.SetAttributes(attribute.Bool("pagesmith.canceled", true))
	log.Info("[TURN] canceled", "snapshots", t.yielded)
}

// persist writes the session even when ctx is already canceled.
func (o *Orchestrator) persist(ctx context.Context, log *slog.Logger, sess *domain.Session) {
	if err := o.repo.Replace(context.WithoutCancel(ctx), sess); err != nil {
		log.Error("[TURN] failed to persist session", "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, sessionID string, all []domain.StreamingFile) {
	if o.previewer == nil {
		return
	}
	done := slices.DeleteFunc(slices.Clone(all), func(f domain.StreamingFile) bool {
		return f.Status != domain.FileCompleted
	})
	if len(done) == 0 {
		return
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), previewTimeout)
		defer cancel()
		url, err := o.previewer.Publish(pctx, sessionID, done)
		if err != nil {
			log.Warn("[PREVIEW] publish failed", "error", err)
			return
		}
		log.Info("[PREVIEW] published", "url", url, "files", len(done))
	}()
}

// errorSnapshot is the terminal snapshot of a failed turn.
func errorSnapshot(stage domain.Stage, progress float64, fs []domain.StreamingFile, reply string) domain.PartialResponse {
	return domain.PartialResponse{
		ImmediateDisplay: &domain.ImmediateDisplay{Reply: reply, AgentName: "system"},
		SystemState: &domain.SystemState{
			Intent:   domain.IntentError,
			Stage:    stage,
			Progress: progress,
			Done:     true,
		},
		Files: fs,
	}
}

// turnState couples the assembler and the file pass for one model stream
// and forwards their snapshots in production order.
type turnState struct {
	asm   *response.Assembler
	files *files.Extractor
	// view is the file list as of the last signal applied.
	view    []domain.StreamingFile
	pending []domain.PartialResponse
	yield   func(domain.PartialResponse) bool
	stopped bool
	yielded int
}

func (o *Orchestrator) newTurnState(strategy Strategy, log *slog.Logger, stage domain.Stage, yield func(domain.PartialResponse) bool) *turnState {
	t := &turnState{yield: yield}
	if stage == domain.StageCoding {
		t.files = files.NewExtractor()
	}
	opts := []response.Option{response.WithLogger(log), response.WithClock(o.now)}
	if o.validator != nil {
		opts = append(opts, response.WithValidator(o.validator))
	}
	t.asm = response.NewAssembler(strategy.Name(), t.enqueue, opts...)
	return t
}

func (t *turnState) enqueue(snap domain.PartialResponse) {
	if t.files != nil {
		snap.Files = slices.Clone(t.view)
	}
	t.pending = append(t.pending, snap)
}

// signal applies one file change to the view and queues a snapshot for it,
// so every file state reaches the consumer.
func (t *turnState) signal(sigs []files.Signal) {
	for _, sig := range sigs {
		i := slices.IndexFunc(t.view, func(f domain.StreamingFile) bool { return f.Filename == sig.File.Filename })
		if i < 0 {
			t.view = append(t.view, sig.File)
		} else {
			t.view[i] = sig.File
		}
		if !t.asm.Sealed() {
			t.enqueue(t.asm.Snapshot())
		}
	}
}

// feed routes one chunk to the file pass first, then the assembler, and
// yields what changed. It returns false once the consumer stops.
func (t *turnState) feed(chunk string) bool {
	if t.files != nil {
		t.signal(t.files.Feed(chunk))
	}
	t.asm.Feed(chunk)
	return t.flush()
}

func (t *turnState) flush() bool {
	for len(t.pending) > 0 {
		snap := t.pending[0]
		t.pending = t.pending[1:]
		if !t.yield(snap) {
			t.stopped = true
			t.pending = nil
			return false
		}
		t.yielded++
	}
	return true
}

// finish closes both passes and returns the final state with files.
func (t *turnState) finish() domain.PartialResponse {
	if t.files != nil {
		t.signal(t.files.Finish())
	}
	final := t.asm.Finish()
	t.flush()
	if t.files != nil {
		final.Files = t.files.Files()
	}
	return final
}

// keyedLocks gives each session id at most one holder.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

func (k *keyedLocks) TryLock(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[id]; ok {
		return false
	}
	k.held[id] = struct{}{}
	return true
}

func (k *keyedLocks) Unlock(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, id)
}

func (k *keyedLocks) Busy(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[id]
	return ok
}
