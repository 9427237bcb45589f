package models

import (
	"time"

	"github.com/TFMV/promptql/pkg/errors"
)

// Phase names a pipeline state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhasePromptSubmitted Phase = "prompt_submitted"
	PhaseSQLReady        Phase = "sql_ready"
	PhaseExecuting       Phase = "executing"
	PhaseAnswerReady     Phase = "answer_ready"
	PhaseError           Phase = "error"
)

// State is the tagged variant of a session's pipeline state. Each concrete
// type carries only the data valid in that state.
type State interface {
	Phase() Phase
	state()
}

// Idle is the state of a session with no work.
type Idle struct{}

// PromptSubmitted holds a prompt that is being compiled.
type PromptSubmitted struct {
	Request     PipelineRequest
	SubmittedAt time.Time
}

// SQLReady holds editable SQL waiting to be executed.
type SQLReady struct {
	// Request is nil when the SQL was entered manually.
	Request      *PipelineRequest
	Dataset      string
	GeneratedSQL string
	SQL          string
	Edited       bool
}

// Executing holds a query running on the warehouse.
type Executing struct {
	Query       SQLReady
	ExecutionID string
	StartedAt   time.Time
}

// AnswerReady holds the result and the synthesized answer.
type AnswerReady struct {
	Query  SQLReady
	Result *QueryResult
	Answer Answer
}

// Failed records a stage failure. LastGood is the state the session can be
// resumed from.
type Failed struct {
	Stage    Phase
	Err      error
	LastGood State
}

func (Idle) Phase() Phase            { return PhaseIdle }
func (PromptSubmitted) Phase() Phase { return PhasePromptSubmitted }
func (SQLReady) Phase() Phase        { return PhaseSQLReady }
func (Executing) Phase() Phase       { return PhaseExecuting }
func (AnswerReady) Phase() Phase     { return PhaseAnswerReady }
func (Failed) Phase() Phase          { return PhaseError }

func (Idle) state()            {}
func (PromptSubmitted) state() {}
func (SQLReady) state()        {}
func (Executing) state()       {}
func (AnswerReady) state()     {}
func (Failed) state()          {}

// QueryOf returns the SQL carried by a state, following Failed back to its
// last good state.
func QueryOf(s State) (SQLReady, bool) {
	switch st := s.(type) {
	case SQLReady:
		return st, true
	case Executing:
		return st.Query, true
	case AnswerReady:
		return st.Query, true
	case Failed:
		if st.LastGood != nil {
			return QueryOf(st.LastGood)
		}
	}
	return SQLReady{}, false
}

// RequestOf returns the prompt request carried by a state, if any.
func RequestOf(s State) (PipelineRequest, bool) {
	switch st := s.(type) {
	case PromptSubmitted:
		return st.Request, true
	case Failed:
		if st.LastGood != nil {
			return RequestOf(st.LastGood)
		}
		return PipelineRequest{}, false
	}
	if q, ok := QueryOf(s); ok && q.Request != nil {
		return *q.Request, true
	}
	return PipelineRequest{}, false
}

// SessionView is a read-only snapshot of a session, shaped after the
// prompt, SQL and response panels of the client.
type SessionView struct {
	ID           string            `json:"id"`
	Phase        Phase             `json:"phase"`
	Prompt       string            `json:"prompt,omitempty"`
	Dataset      string            `json:"dataset,omitempty"`
	SQL          string            `json:"sql,omitempty"`
	GeneratedSQL string            `json:"generated_sql,omitempty"`
	Edited       bool              `json:"edited,omitempty"`
	Answer       *Answer           `json:"answer,omitempty"`
	RowCount     *int64            `json:"row_count,omitempty"`
	ExecutionID  string            `json:"execution_id,omitempty"`
	Error        *ErrorView        `json:"error,omitempty"`
	ResumeFrom   Phase             `json:"resume_from,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ErrorView is the renderable form of a stage failure.
type ErrorView struct {
	Stage   Phase  `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewSessionView renders a state into a SessionView.
func NewSessionView(id string, createdAt, lastActivity time.Time, s State) SessionView {
	v := SessionView{
		ID:           id,
		Phase:        s.Phase(),
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
	}
	if req, ok := RequestOf(s); ok {
		v.Prompt = req.Prompt
		v.Dataset = req.Dataset
	}
	if q, ok := QueryOf(s); ok {
		v.SQL = q.SQL
		v.GeneratedSQL = q.GeneratedSQL
		v.Edited = q.Edited
		v.Dataset = q.Dataset
	}
	switch st := s.(type) {
	case Executing:
		v.ExecutionID = st.ExecutionID
	case AnswerReady:
		answer := st.Answer
		v.Answer = &answer
		if st.Result != nil {
			count := st.Result.RowCount
			v.RowCount = &count
			v.ExecutionID = st.Result.ExecutionID
		}
	case Failed:
		v.Error = &ErrorView{
			Stage:   st.Stage,
			Kind:    errors.KindOf(st.Err),
			Message: errors.GetMessage(st.Err),
		}
		if st.LastGood != nil {
			v.ResumeFrom = st.LastGood.Phase()
		}
	}
	return v
}
