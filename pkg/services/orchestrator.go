package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/promptql/pkg/cache"
	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// OrchestratorConfig configures session handling.
type OrchestratorConfig struct {
	// DefaultDataset is used when a request names no dataset.
	DefaultDataset string
	// SessionTTL evicts sessions idle for longer. Zero keeps sessions forever.
	SessionTTL time.Duration
	// CleanupInterval is how often idle sessions are evicted.
	CleanupInterval time.Duration
	// CompileCache caches compiled prompts. Nil disables the cache.
	CompileCache *cache.Config
}

// session is one pipeline run. mu guards every field but id and createdAt.
// busy is set while a stage runs outside the lock.
type session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	state        models.State
	lastActivity time.Time
	busy         bool
	cancel       context.CancelFunc
}

func (s *session) view() models.SessionView {
	return models.NewSessionView(s.id, s.createdAt, s.lastActivity, s.state)
}

// orchestrator implements Orchestrator. Sessions share nothing but the
// services they call into.
type orchestrator struct {
	schemas  SchemaService
	compiler Compiler
	executor ExecutorService
	synth    Synthesizer
	config   OrchestratorConfig
	compiled *cache.Cache[uint64, models.CompiledQuery]
	logger   Logger
	metrics  MetricsCollector

	sessions sync.Map
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator and starts its cleanup routine.
func NewOrchestrator(
	schemas SchemaService,
	compiler Compiler,
	executor ExecutorService,
	synth Synthesizer,
	config OrchestratorConfig,
	logger Logger,
	metrics MetricsCollector,
) Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &orchestrator{
		schemas:  schemas,
		compiler: compiler,
		executor: executor,
		synth:    synth,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.CompileCache != nil {
		o.compiled = cache.New[uint64, models.CompiledQuery](config.CompileCache)
	}

	if config.SessionTTL > 0 && config.CleanupInterval > 0 {
		o.wg.Add(1)
		go o.cleanupRoutine(ctx)
	}

	return o
}

// CreateSession starts a new session in the Idle state.
func (o *orchestrator) CreateSession() models.SessionView {
	now := o.now()
	s := &session{
		id:           uuid.New().String(),
		createdAt:    now,
		state:        models.Idle{},
		lastActivity: now,
	}
	o.sessions.Store(s.id, s)
	o.metrics.IncrementCounter("sessions_created")
	o.updateSessionGauge()

	o.logger.Debug("Session created", "session_id", s.id)
	return s.view()
}

// GetSession returns a snapshot of the session.
func (o *orchestrator) GetSession(id string) (models.SessionView, error) {
	s, err := o.lookup(id)
	if err != nil {
		return models.SessionView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// DeleteSession removes the session, cancelling any running execution.
func (o *orchestrator) DeleteSession(id string) error {
	v, ok := o.sessions.LoadAndDelete(id)
	if !ok {
		return sessionNotFound(id)
	}
	s := v.(*session)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	o.updateSessionGauge()
	o.logger.Debug("Session deleted", "session_id", id)
	return nil
}

// SubmitPrompt compiles req into SQL. On failure the session moves to the
// Error state and can be resumed from the state it had before.
func (o *orchestrator) SubmitPrompt(ctx context.Context, id string, req models.PipelineRequest) (models.SessionView, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return models.SessionView{}, errors.New(errors.KindInvalidRequest, "prompt is empty")
	}
	if req.Dataset == "" {
		req.Dataset = o.config.DefaultDataset
	}
	if req.Dataset == "" {
		return models.SessionView{}, errors.New(errors.KindInvalidRequest, "dataset is required")
	}

	s, err := o.lookup(id)
	if err != nil {
		return models.SessionView{}, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return models.SessionView{}, stageInProgress(s)
	}
	lastGood := resumable(s.state)
	s.busy = true
	o.transition(s, models.PromptSubmitted{Request: req, SubmittedAt: o.now()})
	s.mu.Unlock()

	timer := o.metrics.StartTimer("compile")
	compiled, err := o.compile(ctx, req)
	duration := timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false

	if err != nil {
		o.fail(s, models.PhasePromptSubmitted, err, lastGood)
		return s.view(), err
	}

	request := req
	o.transition(s, models.SQLReady{
		Request:      &request,
		Dataset:      req.Dataset,
		GeneratedSQL: compiled.SQL,
		SQL:          compiled.SQL,
	})
	o.metrics.IncrementCounter("pipeline_stages", "stage", stageLabel(models.PhasePromptSubmitted), "outcome", "ok")
	o.logger.Info("Prompt compiled",
		"session_id", s.id,
		"dataset", req.Dataset,
		"translator", compiled.Translator,
		"tables", compiled.Tables,
		"duration", duration)
	return s.view(), nil
}

func (o *orchestrator) compile(ctx context.Context, req models.PipelineRequest) (*models.CompiledQuery, error) {
	schema, err := o.schemas.GetSchema(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	var key uint64
	if o.compiled != nil {
		key = compileKey(req, schema)
		if cq, ok := o.compiled.Get(key); ok {
			return &cq, nil
		}
	}

	compiled, err := o.compiler.Compile(ctx, req, schema)
	if err != nil {
		return nil, err
	}
	if o.compiled != nil {
		o.compiled.Put(key, *compiled)
	}
	return compiled, nil
}

// compileKey identifies a compilation by everything that affects its output.
func compileKey(req models.PipelineRequest, schema *models.DatasetSchema) uint64 {
	parts := []string{
		req.Dataset,
		strconv.FormatUint(schema.Fingerprint(), 16),
		strings.Join(strings.Fields(strings.ToLower(req.Prompt)), " "),
		strings.Join(req.SchemaHints.Tables, ","),
	}
	terms := make([]string, 0, len(req.SchemaHints.Synonyms))
	for term, target := range req.SchemaHints.Synonyms {
		terms = append(terms, term+"="+target)
	}
	sort.Strings(terms)
	return cache.Key(append(parts, terms...)...)
}

// EditSQL replaces the session SQL verbatim. From Idle it starts a manual
// query with no prompt attached.
func (o *orchestrator) EditSQL(id string, sql string) (models.SessionView, error) {
	if strings.TrimSpace(sql) == "" {
		return models.SessionView{}, errors.New(errors.KindInvalidRequest, "sql is empty")
	}

	s, err := o.lookup(id)
	if err != nil {
		return models.SessionView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return models.SessionView{}, stageInProgress(s)
	}

	q, ok := models.QueryOf(s.state)
	if !ok {
		q = models.SQLReady{Dataset: o.config.DefaultDataset}
		if req, hasReq := models.RequestOf(s.state); hasReq {
			q.Dataset = req.Dataset
		}
	}
	q.SQL = sql
	q.Edited = q.Request == nil || sql != q.GeneratedSQL

	o.transition(s, q)
	o.metrics.IncrementCounter("sql_edits")
	o.logger.Debug("SQL edited", "session_id", s.id, "manual", q.Request == nil)
	return s.view(), nil
}

// ExecuteQuery runs the session SQL and synthesizes an answer. Cancellation
// returns the session to SqlReady; any other failure moves it to Error.
func (o *orchestrator) ExecuteQuery(ctx context.Context, id string, opts ExecuteOptions) (models.SessionView, error) {
	s, err := o.lookup(id)
	if err != nil {
		return models.SessionView{}, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return models.SessionView{}, stageInProgress(s)
	}
	q, ok := models.QueryOf(s.state)
	if !ok {
		phase := s.state.Phase()
		s.mu.Unlock()
		return models.SessionView{}, errors.Newf(errors.KindInvalidState, "cannot execute from %s: no SQL to run", phase).
			WithDetail("phase", phase)
	}
	if q.Request == nil && opts.Dataset != "" {
		q.Dataset = opts.Dataset
	}
	if q.Dataset == "" {
		q.Dataset = o.config.DefaultDataset
	}
	if q.Dataset == "" {
		s.mu.Unlock()
		return models.SessionView{}, errors.New(errors.KindInvalidRequest, "dataset is required")
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	executionID := uuid.New().String()
	s.busy = true
	s.cancel = cancel
	o.transition(s, models.Executing{Query: q, ExecutionID: executionID, StartedAt: o.now()})
	s.mu.Unlock()

	prompt := opts.Prompt
	if q.Request != nil {
		prompt = q.Request.Prompt
	}

	stage := models.PhaseExecuting
	result, err := o.executor.Execute(execCtx, models.ExecutionRequest{
		ExecutionID: executionID,
		SessionID:   s.id,
		Dataset:     q.Dataset,
		SQL:         q.SQL,
		Budget:      opts.Budget,
	})
	var answer *models.Answer
	if err == nil {
		stage = models.PhaseAnswerReady
		answer, err = o.synth.Synthesize(execCtx, result, prompt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.cancel = nil

	if err != nil {
		if errors.IsCanceled(err) {
			o.transition(s, q)
			o.metrics.IncrementCounter("pipeline_stages", "stage", stageLabel(stage), "outcome", "canceled")
			o.logger.Info("Execution canceled", "session_id", s.id, "execution_id", executionID)
			return s.view(), err
		}
		o.fail(s, stage, err, q)
		return s.view(), err
	}

	o.transition(s, models.AnswerReady{Query: q, Result: result, Answer: *answer})
	o.metrics.IncrementCounter("pipeline_stages", "stage", stageLabel(models.PhaseAnswerReady), "outcome", "ok")
	o.logger.Info("Answer ready",
		"session_id", s.id,
		"execution_id", executionID,
		"rows", result.RowCount,
		"narrator", answer.Narrator)
	return s.view(), nil
}

// Cancel cancels the running execution of a session.
func (o *orchestrator) Cancel(id string) (models.SessionView, error) {
	s, err := o.lookup(id)
	if err != nil {
		return models.SessionView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.(models.Executing); !ok || s.cancel == nil {
		return models.SessionView{}, errors.Newf(errors.KindInvalidState, "no execution to cancel in %s", s.state.Phase()).
			WithDetail("phase", s.state.Phase())
	}
	s.cancel()
	s.lastActivity = o.now()
	o.logger.Debug("Cancellation requested", "session_id", s.id)
	return s.view(), nil
}

// Result returns the rows behind the session's answer.
func (o *orchestrator) Result(id string) (*models.QueryResult, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ready, ok := s.state.(models.AnswerReady)
	if !ok {
		return nil, errors.Newf(errors.KindInvalidState, "no result in %s", s.state.Phase()).
			WithDetail("phase", s.state.Phase())
	}
	return ready.Result, nil
}

// Ask runs compile, execute and synthesize once on a transient session.
func (o *orchestrator) Ask(ctx context.Context, req models.PipelineRequest, budget models.ExecutionBudget) (*AskResult, error) {
	view := o.CreateSession()
	defer func() {
		_ = o.DeleteSession(view.ID)
	}()

	res := &AskResult{SessionID: view.ID}
	view, err := o.SubmitPrompt(ctx, view.ID, req)
	if err != nil {
		return res, err
	}
	res.SQL = view.SQL

	view, err = o.ExecuteQuery(ctx, view.ID, ExecuteOptions{Budget: budget})
	if err != nil {
		return res, err
	}
	res.Answer = view.Answer
	res.Result, err = o.Result(view.ID)
	return res, err
}

// CleanupIdle evicts sessions idle for longer than the TTL. Sessions with a
// running stage are kept.
func (o *orchestrator) CleanupIdle() int {
	if o.config.SessionTTL <= 0 {
		return 0
	}
	cutoff := o.now().Add(-o.config.SessionTTL)

	evicted := 0
	o.sessions.Range(func(key, value interface{}) bool {
		s := value.(*session)
		s.mu.Lock()
		stale := !s.busy && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			o.sessions.Delete(key)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		o.metrics.IncrementCounter("sessions_evicted")
		o.updateSessionGauge()
		o.logger.Info("Evicted idle sessions", "count", evicted)
	}
	return evicted
}

// cleanupRoutine evicts idle sessions until ctx is cancelled.
func (o *orchestrator) cleanupRoutine(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.CleanupInterval)
	defer ticker.Stop()

	o.logger.Info("Session cleanup routine started",
		"interval", o.config.CleanupInterval,
		"ttl", o.config.SessionTTL)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Session cleanup routine stopped")
			return
		case <-ticker.C:
			o.CleanupIdle()
		}
	}
}

// Stop stops the cleanup routine.
func (o *orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

func (o *orchestrator) lookup(id string) (*session, error) {
	v, ok := o.sessions.Load(id)
	if !ok {
		return nil, sessionNotFound(id)
	}
	return v.(*session), nil
}

// transition sets the state of s. The caller holds s.mu.
func (o *orchestrator) transition(s *session, next models.State) {
	o.logger.Debug("Session transition",
		"session_id", s.id,
		"from", s.state.Phase(),
		"to", next.Phase())
	s.state = next
	s.lastActivity = o.now()
}

// fail moves s to the Error state. The caller holds s.mu.
func (o *orchestrator) fail(s *session, stage models.Phase, err error, lastGood models.State) {
	o.transition(s, models.Failed{Stage: stage, Err: err, LastGood: lastGood})
	o.metrics.IncrementCounter("pipeline_stages", "stage", stageLabel(stage), "outcome", strings.ToLower(errors.KindOf(err)))

	kv := []interface{}{
		"session_id", s.id,
		"stage", stage,
		"error_kind", errors.KindOf(err),
		"error", err,
	}
	if errors.IsValidation(err) || errors.IsResource(err) {
		o.logger.Info("Pipeline stage failed", kv...)
		return
	}
	o.logger.Error("Pipeline stage failed", kv...)
}

func (o *orchestrator) updateSessionGauge() {
	count := 0
	o.sessions.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	o.metrics.RecordGauge("sessions_active", float64(count))
}

// stageLabel names the stage that leads into phase.
func stageLabel(phase models.Phase) string {
	switch phase {
	case models.PhasePromptSubmitted:
		return "compile"
	case models.PhaseExecuting:
		return "execute"
	case models.PhaseAnswerReady:
		return "synthesize"
	default:
		return string(phase)
	}
}

// resumable returns the state a failure should fall back to.
func resumable(s models.State) models.State {
	if f, ok := s.(models.Failed); ok {
		if f.LastGood != nil {
			return f.LastGood
		}
		return models.Idle{}
	}
	return s
}

func sessionNotFound(id string) error {
	return errors.Newf(errors.KindNotFound, "session %s not found", id).WithDetail("session_id", id)
}

func stageInProgress(s *session) error {
	return errors.Newf(errors.KindStageInProgress, "session %s is busy in %s", s.id, s.state.Phase()).
		WithDetail("phase", s.state.Phase())
}
