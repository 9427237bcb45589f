// Package compiler turns natural-language prompts into validated, read-only
// SQL scoped to a dataset schema.
package compiler

import (
	"context"
	"strings"

	"github.com/samber/lo"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// Translator produces candidate SQL for a prompt. Its output is always
// validated before it is returned to callers.
type Translator interface {
	Name() string
	Translate(ctx context.Context, req models.PipelineRequest, schema *models.DatasetSchema) (string, error)
}

// Compiler compiles prompts into SQL. It holds no per-request state and is
// safe for concurrent use.
type Compiler struct {
	translator Translator
}

// New creates a compiler using translator.
func New(translator Translator) *Compiler {
	return &Compiler{translator: translator}
}

// TranslatorName returns the name of the configured translator.
func (c *Compiler) TranslatorName() string {
	return c.translator.Name()
}

// Compile translates req into SQL that references only entities in schema.
// Failures are AMBIGUOUS_PROMPT, SCHEMA_MISMATCH or INVALID_REQUEST and are
// never retried.
func (c *Compiler) Compile(ctx context.Context, req models.PipelineRequest, schema *models.DatasetSchema) (*models.CompiledQuery, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New(errors.KindInvalidRequest, "prompt is empty")
	}
	if schema == nil || len(schema.Tables) == 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "dataset %q has no tables", req.Dataset)
	}

	if missing := lo.Reject(req.SchemaHints.Tables, func(name string, _ int) bool {
		_, ok := schema.Table(name)
		return ok
	}); len(missing) > 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "schema hints name unknown tables: %s", strings.Join(missing, ", ")).
			WithDetail("tables", missing)
	}
	scoped := schema.Restrict(req.SchemaHints.Tables)

	sql, err := c.translator.Translate(ctx, req, scoped)
	if err != nil {
		return nil, err
	}

	analysis, err := Validate(sql, scoped)
	if err != nil {
		if pe := errors.As(err); pe.Kind == errors.KindSyntax {
			// A translator that emits unparseable SQL has not understood the prompt.
			return nil, errors.Wrap(pe, errors.KindAmbiguousPrompt, "prompt did not translate into a valid query").
				WithDetail("sql", sql)
		}
		return nil, errors.As(err).WithDetail("sql", sql)
	}

	return &models.CompiledQuery{
		SQL:        sql,
		Tables:     analysis.Tables,
		Columns:    analysis.Columns,
		Translator: c.translator.Name(),
	}, nil
}
