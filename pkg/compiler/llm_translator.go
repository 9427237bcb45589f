package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/llm"
	"github.com/TFMV/promptql/pkg/models"
)

const ambiguousMarker = "AMBIGUOUS:"

// LLMTranslator asks a language model to write the SQL.
type LLMTranslator struct {
	client llm.Client
}

// NewLLMTranslator creates a translator backed by client.
func NewLLMTranslator(client llm.Client) *LLMTranslator {
	return &LLMTranslator{client: client}
}

// Name implements Translator.
func (t *LLMTranslator) Name() string { return "llm:" + t.client.Name() }

// Translate implements Translator.
func (t *LLMTranslator) Translate(ctx context.Context, req models.PipelineRequest, schema *models.DatasetSchema) (string, error) {
	reply, err := t.client.Complete(ctx, renderTranslationPrompt(req, schema))
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.As(ctx.Err())
		}
		return "", errors.Wrap(err, errors.KindLLMFailed, "language model request failed")
	}

	reply = llm.StripCodeFence(reply)
	if strings.HasPrefix(strings.ToUpper(reply), ambiguousMarker) {
		reason := strings.TrimSpace(reply[len(ambiguousMarker):])
		return "", errors.New(errors.KindAmbiguousPrompt, reason).WithDetail("translator", t.Name())
	}
	if reply == "" {
		return "", errors.New(errors.KindAmbiguousPrompt, "language model returned no query")
	}
	return strings.TrimSuffix(strings.TrimSpace(reply), ";"), nil
}

func renderTranslationPrompt(req models.PipelineRequest, schema *models.DatasetSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the question into one read-only SQL query over dataset %q.\n", schema.Dataset)
	b.WriteString("Tables:\n")
	for _, t := range schema.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.DataType
		}
		fmt.Fprintf(&b, "- %s(%s)\n", t.Name, strings.Join(cols, ", "))
	}
	if len(req.SchemaHints.Synonyms) > 0 {
		b.WriteString("Terms:\n")
		terms := make([]string, 0, len(req.SchemaHints.Synonyms))
		for term := range req.SchemaHints.Synonyms {
			terms = append(terms, term)
		}
		sort.Strings(terms)
		for _, term := range terms {
			fmt.Fprintf(&b, "- %q means %s\n", term, req.SchemaHints.Synonyms[term])
		}
	}
	b.WriteString("Rules:\n")
	b.WriteString("- Use only the tables and columns listed above.\n")
	b.WriteString("- Use date_trunc, current_date and INTERVAL '1 month' style literals for dates.\n")
	b.WriteString("- Reply with the SQL only, without commentary.\n")
	fmt.Fprintf(&b, "- If the question cannot be answered from these tables, reply %q followed by the reason.\n", ambiguousMarker)
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(req.Prompt))
	return b.String()
}
