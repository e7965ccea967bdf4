package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/triage/triage/internal/platform/telemetry"
)

var ErrCollaboratorTimeout = errors.New("collaborator call timed out")

type Stage int

const (
	StageClassifyIntent Stage = iota
	StageEvaluateCompleteness
	StageFindSpecialist
	StageFormatResponse
)

func (s Stage) String() string {
	switch s {
	case StageClassifyIntent:
		return "classify_intent"
	case StageEvaluateCompleteness:
		return "evaluate_completeness"
	case StageFindSpecialist:
		return "find_specialist"
	case StageFormatResponse:
		return "format_response"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type EngineConfig struct {
	MaxAttempts int
	CallTimeout time.Duration
	// StoreTimeout bounds each thread load or save made under the lock.
	StoreTimeout time.Duration
	// Metrics may be nil.
	Metrics *telemetry.Registry
}

const (
	metricTurns        = "triage_turns_total"
	metricTurnDuration = "triage_turn_duration_seconds"
	metricForced       = "triage_forced_recommendations_total"
	metricFailures     = "triage_collaborator_failures_total"
	metricStoreErrors  = "triage_store_errors_total"
)

func describeMetrics(m *telemetry.Registry) {
	m.Describe(metricTurns, "Completed turns by detected intent and outcome.")
	m.Describe(metricTurnDuration, "Turn latency in seconds, lock wait included.")
	m.Describe(metricForced, "Recommendations made because the attempt limit was reached.")
	m.Describe(metricFailures, "Collaborator calls that failed or timed out, by stage.")
	m.Describe(metricStoreErrors, "Thread store or lock failures, by operation.")
}

// Engine runs one triage turn per inbound message. Turns on the same thread
// are serialized through the Locker; distinct threads run in parallel.
type Engine struct {
	store      ThreadStore
	locker     Locker
	classifier IntentClassifier
	assessor   CompletenessAssessor
	retriever  SpecialistRetriever
	cfg        EngineConfig
	metrics    *telemetry.Registry
	log        zerolog.Logger
	now        func() time.Time
}

func NewEngine(store ThreadStore, locker Locker, c IntentClassifier, a CompletenessAssessor, r SpecialistRetriever, cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	describeMetrics(cfg.Metrics)
	return &Engine{
		store:      store,
		locker:     locker,
		classifier: c,
		assessor:   a,
		retriever:  r,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		log:        log.With().Str("component", "triage_engine").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// turn is the scratch state of one Process call.
type turn struct {
	thread *Thread
	state  TurnState
	path   []Stage
	forced bool
}

// Process appends text as a user message, runs the state machine and appends
// and returns exactly one assistant message. Collaborator failures never
// surface; a non-nil error means the thread could not be loaded or saved, and
// the returned text is then the polite technical message.
func (e *Engine) Process(ctx context.Context, threadID, text string) (string, error) {
	start := time.Now()
	log := e.log.With().Str("thread_id", threadID).Logger()
	ctx, span := telemetry.Tracer().Start(ctx, "triage.turn")
	defer span.End()

	lockCtx, unlock, err := e.locker.Lock(ctx, threadID)
	if err != nil {
		log.Error().Err(err).Msg("lock thread")
		e.storeFailed(span, "lock", err)
		return TechnicalErrorMessage, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()

	// Once the lock is held the turn runs to completion; only store calls are
	// bounded, by StoreTimeout.
	ctx = context.WithoutCancel(lockCtx)

	loadCtx, cancelLoad := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	t, err := e.load(loadCtx, threadID)
	cancelLoad()
	if err != nil {
		log.Error().Err(err).Msg("load thread")
		e.storeFailed(span, "load", err)
		return TechnicalErrorMessage, err
	}
	t.MaxAttempts = e.cfg.MaxAttempts
	t.Append(RoleUser, text, e.now())

	tr := &turn{thread: t}
	e.run(ctx, log, tr)
	outcome := Resolve(tr.state)
	reply := Render(outcome)
	t.Append(RoleAssistant, reply, e.now())

	saveCtx, cancelSave := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	err = e.store.Put(saveCtx, t)
	cancelSave()
	if err != nil {
		log.Error().Err(err).Msg("save thread")
		e.storeFailed(span, "save", err)
		return TechnicalErrorMessage, fmt.Errorf("save thread %s: %w", threadID, err)
	}

	span.SetAttributes(
		attribute.String("triage.intent", string(tr.state.Intent)),
		attribute.String("triage.outcome", outcomeKind(outcome)),
		attribute.String("triage.path", pathString(tr.path)),
		attribute.Int("triage.attempts", t.Attempts),
	)
	e.metrics.Inc(metricTurns, "intent", string(tr.state.Intent), "outcome", outcomeKind(outcome))
	e.metrics.Observe(metricTurnDuration, time.Since(start).Seconds())
	if tr.forced {
		e.metrics.Inc(metricForced)
	}

	ev := log.Info().
		Str("intent", string(tr.state.Intent)).
		Int("attempts", t.Attempts).
		Int("messages", len(t.Messages)).
		Int("message_len", len(text)).
		Str("path", pathString(tr.path)).
		Dur("duration", time.Since(start))
	if tr.forced {
		ev = ev.Bool("forced", true)
	}
	ev.Msg("turn processed")
	return reply, nil
}

func (e *Engine) storeFailed(span trace.Span, op string, err error) {
	e.metrics.Inc(metricStoreErrors, "op", op)
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
}

// collaboratorFailed counts a degraded stage; the turn itself still succeeds.
func (e *Engine) collaboratorFailed(ctx context.Context, stage Stage, err error) {
	e.metrics.Inc(metricFailures, "stage", stage.String())
	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attribute.String("triage.stage", stage.String())))
}

func (e *Engine) load(ctx context.Context, id string) (*Thread, error) {
	t, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrThreadNotFound) {
		return NewThread(id, e.cfg.MaxAttempts), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	return t, nil
}

// run walks the stages until FormatResponse.
func (e *Engine) run(ctx context.Context, log zerolog.Logger, tr *turn) {
	stage := StageClassifyIntent
	for stage != StageFormatResponse {
		tr.path = append(tr.path, stage)
		sctx, span := telemetry.Tracer().Start(ctx, "triage."+stage.String())
		switch stage {
		case StageClassifyIntent:
			stage = e.classifyIntent(sctx, log, tr)
		case StageEvaluateCompleteness:
			stage = e.evaluateCompleteness(sctx, log, tr)
		case StageFindSpecialist:
			stage = e.findSpecialist(sctx, log, tr)
		default:
			stage = StageFormatResponse
		}
		span.End()
	}
	tr.path = append(tr.path, StageFormatResponse)
}

func (e *Engine) classifyIntent(ctx context.Context, log zerolog.Logger, tr *turn) Stage {
	history := classificationHistory(tr.thread.Messages)
	res, err := callWithTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) (IntentClassification, error) {
		return e.classifier.Classify(ctx, history)
	})
	if err == nil && !res.Intent.Valid() {
		err = fmt.Errorf("%w: %q", ErrInvalidIntent, res.Intent)
	}
	if err != nil {
		log.Warn().Err(err).Str("stage", StageClassifyIntent.String()).Msg("classification failed, assuming symptom description")
		e.collaboratorFailed(ctx, StageClassifyIntent, err)
		res = IntentClassification{Intent: IntentSymptomDescription, Confidence: 0, Rationale: "classification unavailable"}
	}
	res.Confidence = clampFloat(res.Confidence, 0, 100)
	tr.thread.LastIntent = &res
	tr.state.Intent = res.Intent

	if res.Intent == IntentSymptomDescription {
		return StageEvaluateCompleteness
	}
	return StageFormatResponse
}

func (e *Engine) evaluateCompleteness(ctx context.Context, log zerolog.Logger, tr *turn) Stage {
	t := tr.thread
	if t.Attempts >= t.MaxAttempts {
		tr.forced = true
		return StageFindSpecialist
	}

	history := append([]Message(nil), t.Messages...)
	attempt := t.Attempts + 1
	a, err := callWithTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) (CompletenessAssessment, error) {
		return e.assessor.Assess(ctx, history, attempt)
	})
	if err != nil {
		log.Warn().Err(err).Str("stage", StageEvaluateCompleteness.String()).Int("attempt", attempt).Msg("assessment failed, asking for primary symptom")
		e.collaboratorFailed(ctx, StageEvaluateCompleteness, err)
		a = assessorFallback()
	}
	a = a.Normalize()
	t.LastAssessment = &a

	if a.Sufficient {
		return StageFindSpecialist
	}
	t.Attempts = min(t.Attempts+1, t.MaxAttempts)
	tr.state.Assessment = &a
	return StageFormatResponse
}

func (e *Engine) findSpecialist(ctx context.Context, log zerolog.Logger, tr *turn) Stage {
	t := tr.thread
	rec := e.recommend(ctx, log, symptomText(t.Messages))
	t.LastRecommendation = &rec
	tr.state.Recommendation = &rec
	// A completed pass gives a later complaint on the same thread a fresh budget.
	t.Attempts = 0
	return StageFormatResponse
}

// recommend never fails: invalid input, empty context and collaborator errors
// all yield a general practitioner recommendation.
func (e *Engine) recommend(ctx context.Context, log zerolog.Logger, text string) SpecialistRecommendation {
	if !usableSymptomText(text) {
		return SpecialistRecommendation{Specialist: GeneralPractitioner, Rationale: insufficientInputRationale}
	}
	snippets, err := callWithTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) ([]string, error) {
		return e.retriever.RetrieveContext(ctx, text)
	})
	if err != nil {
		log.Warn().Err(err).Str("stage", StageFindSpecialist.String()).Msg("context retrieval failed, using fallback")
		e.collaboratorFailed(ctx, StageFindSpecialist, err)
		return FallbackRecommendation()
	}
	if len(snippets) == 0 {
		return SpecialistRecommendation{Specialist: GeneralPractitioner, Rationale: noMatchRationale}
	}
	rec, err := callWithTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) (SpecialistRecommendation, error) {
		return e.retriever.Recommend(ctx, text, snippets)
	})
	if err == nil && rec.IsZero() {
		err = errors.New("empty specialist")
	}
	if err != nil {
		log.Warn().Err(err).Str("stage", StageFindSpecialist.String()).Msg("recommendation failed, using fallback")
		e.collaboratorFailed(ctx, StageFindSpecialist, err)
		return FallbackRecommendation()
	}
	rec.Specialist = strings.TrimSpace(rec.Specialist)
	rec.Rationale = strings.TrimSpace(rec.Rationale)
	return rec
}

// Reset clears a thread back to its empty state, keeping the key.
func (e *Engine) Reset(ctx context.Context, threadID string) error {
	ctx, unlock, err := e.locker.Lock(ctx, threadID)
	if err != nil {
		return fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()
	if err := e.store.Put(ctx, NewThread(threadID, e.cfg.MaxAttempts)); err != nil {
		return fmt.Errorf("reset thread %s: %w", threadID, err)
	}
	e.log.Info().Str("thread_id", threadID).Msg("thread reset")
	return nil
}

// Forget removes the thread key entirely.
func (e *Engine) Forget(ctx context.Context, threadID string) error {
	ctx, unlock, err := e.locker.Lock(ctx, threadID)
	if err != nil {
		return fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()
	return e.store.Delete(ctx, threadID)
}

// Thread returns a snapshot of the stored thread; unknown keys yield an empty thread.
func (e *Engine) Thread(ctx context.Context, threadID string) (*Thread, error) {
	return e.load(ctx, threadID)
}

func assessorFallback() CompletenessAssessment {
	return CompletenessAssessment{
		Sufficient: false,
		FollowUp:   AssessorFallbackQuestion,
		Missing:    []string{ElementPrimarySymptom},
	}
}

// classificationHistory copies msgs, standing in a placeholder for a blank
// latest user message so the classifier always has something to label.
func classificationHistory(msgs []Message) []Message {
	h := append([]Message(nil), msgs...)
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == RoleUser {
			if strings.TrimSpace(h[i].Content) == "" {
				h[i].Content = emptyMessagePlaceholder
			}
			break
		}
	}
	return h
}

// symptomText joins every non-blank user message in order.
func symptomText(msgs []Message) string {
	var parts []string
	for _, c := range userContents(msgs) {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n")
}

// callWithTimeout bounds fn by d. A panic inside fn is returned as an error.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("collaborator panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrCollaboratorTimeout, ctx.Err())
	}
}

func pathString(p []Stage) string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.String()
	}
	return strings.Join(names, ">")
}
