package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

const policySelectCols = `llm, function_calling_llm, max_iter, max_rpm, max_execution_time,
		 verbose, allow_delegation, cache, system_template, prompt_template, response_template,
		 allow_code_execution, max_retry_limit, respect_context_window, code_execution_mode,
		 multimodal, inject_date, date_format, reasoning, max_reasoning_attempts,
		 embedder, knowledge_sources, use_system_prompt`

type policyRow struct {
	LLM                  sql.NullString `db:"llm"`
	FunctionCallingLLM   sql.NullString `db:"function_calling_llm"`
	MaxIter              sql.NullInt64  `db:"max_iter"`
	MaxRPM               sql.NullInt64  `db:"max_rpm"`
	MaxExecutionTime     sql.NullInt64  `db:"max_execution_time"`
	Verbose              sql.NullBool   `db:"verbose"`
	AllowDelegation      sql.NullBool   `db:"allow_delegation"`
	Cache                sql.NullBool   `db:"cache"`
	SystemTemplate       sql.NullString `db:"system_template"`
	PromptTemplate       sql.NullString `db:"prompt_template"`
	ResponseTemplate     sql.NullString `db:"response_template"`
	AllowCodeExecution   sql.NullBool   `db:"allow_code_execution"`
	MaxRetryLimit        sql.NullInt64  `db:"max_retry_limit"`
	RespectContextWindow sql.NullBool   `db:"respect_context_window"`
	CodeExecutionMode    sql.NullString `db:"code_execution_mode"`
	Multimodal           sql.NullBool   `db:"multimodal"`
	InjectDate           sql.NullBool   `db:"inject_date"`
	DateFormat           sql.NullString `db:"date_format"`
	Reasoning            sql.NullBool   `db:"reasoning"`
	MaxReasoningAttempts sql.NullInt64  `db:"max_reasoning_attempts"`
	Embedder             []byte         `db:"embedder"`
	KnowledgeSources     []byte         `db:"knowledge_sources"`
	UseSystemPrompt      sql.NullBool   `db:"use_system_prompt"`
}

// toPolicy overlays stored values on the defaults; NULL columns keep the default.
func (r policyRow) toPolicy() *store.ExecutionPolicy {
	p := store.DefaultPolicy("")
	if r.LLM.Valid {
		p.LLM = r.LLM.String
	}
	p.FunctionCallingLLM = r.FunctionCallingLLM.String
	if r.MaxIter.Valid {
		p.MaxIter = int(r.MaxIter.Int64)
	}
	p.MaxRPM = nullIntPtr(r.MaxRPM)
	p.MaxExecutionTime = nullIntPtr(r.MaxExecutionTime)
	boolOr(&p.Verbose, r.Verbose)
	boolOr(&p.AllowDelegation, r.AllowDelegation)
	boolOr(&p.Cache, r.Cache)
	p.SystemTemplate = r.SystemTemplate.String
	p.PromptTemplate = r.PromptTemplate.String
	p.ResponseTemplate = r.ResponseTemplate.String
	boolOr(&p.AllowCodeExecution, r.AllowCodeExecution)
	if r.MaxRetryLimit.Valid {
		p.MaxRetryLimit = int(r.MaxRetryLimit.Int64)
	}
	boolOr(&p.RespectContextWindow, r.RespectContextWindow)
	if r.CodeExecutionMode.Valid && r.CodeExecutionMode.String != "" {
		p.CodeExecutionMode = r.CodeExecutionMode.String
	}
	boolOr(&p.Multimodal, r.Multimodal)
	boolOr(&p.InjectDate, r.InjectDate)
	if r.DateFormat.Valid && r.DateFormat.String != "" {
		p.DateFormat = r.DateFormat.String
	}
	boolOr(&p.Reasoning, r.Reasoning)
	p.MaxReasoningAttempts = nullIntPtr(r.MaxReasoningAttempts)
	p.Embedder = rawOrNil(r.Embedder)
	p.KnowledgeSources = rawOrNil(r.KnowledgeSources)
	boolOr(&p.UseSystemPrompt, r.UseSystemPrompt)
	return &p
}

func boolOr(dst *bool, v sql.NullBool) {
	if v.Valid {
		*dst = v.Bool
	}
}

func (s *AgentStore) GetPolicy(ctx context.Context, id string) (*store.ExecutionPolicy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+policySelectCols+` FROM s_agent_configs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return row.toPolicy(), nil
}

func (s *AgentStore) UpsertPolicy(ctx context.Context, id string, p *store.ExecutionPolicy) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO s_agent_configs (id, `+policySelectCols+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   llm = excluded.llm, function_calling_llm = excluded.function_calling_llm,
		   max_iter = excluded.max_iter, max_rpm = excluded.max_rpm,
		   max_execution_time = excluded.max_execution_time, verbose = excluded.verbose,
		   allow_delegation = excluded.allow_delegation, cache = excluded.cache,
		   system_template = excluded.system_template, prompt_template = excluded.prompt_template,
		   response_template = excluded.response_template,
		   allow_code_execution = excluded.allow_code_execution,
		   max_retry_limit = excluded.max_retry_limit,
		   respect_context_window = excluded.respect_context_window,
		   code_execution_mode = excluded.code_execution_mode, multimodal = excluded.multimodal,
		   inject_date = excluded.inject_date, date_format = excluded.date_format,
		   reasoning = excluded.reasoning, max_reasoning_attempts = excluded.max_reasoning_attempts,
		   embedder = excluded.embedder, knowledge_sources = excluded.knowledge_sources,
		   use_system_prompt = excluded.use_system_prompt`),
		id, nilStr(p.LLM), nilStr(p.FunctionCallingLLM), p.MaxIter, intOrNil(p.MaxRPM), intOrNil(p.MaxExecutionTime),
		p.Verbose, p.AllowDelegation, p.Cache, nilStr(p.SystemTemplate), nilStr(p.PromptTemplate), nilStr(p.ResponseTemplate),
		p.AllowCodeExecution, p.MaxRetryLimit, p.RespectContextWindow, nilStr(p.CodeExecutionMode),
		p.Multimodal, p.InjectDate, nilStr(p.DateFormat), p.Reasoning, intOrNil(p.MaxReasoningAttempts),
		jsonText(p.Embedder), jsonText(p.KnowledgeSources), p.UseSystemPrompt, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}
