// Package synthesizer turns query results into natural-language answers that
// are grounded in the result rows.
package synthesizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/infrastructure/converter"
	"github.com/TFMV/promptql/pkg/llm"
	"github.com/TFMV/promptql/pkg/models"
)

const promptRowLimit = 50

// Synthesizer narrates query results. With no language model configured it
// uses the template narrator only.
type Synthesizer struct {
	template *TemplateNarrator
	client   llm.Client
	logger   zerolog.Logger
}

// New creates a synthesizer. client may be nil.
func New(client llm.Client, listedRows int, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		template: NewTemplateNarrator(listedRows),
		client:   client,
		logger:   logger.With().Str("component", "synthesizer").Logger(),
	}
}

// NarratorName returns the preferred narrator.
func (s *Synthesizer) NarratorName() string {
	if s.client == nil {
		return TemplateName
	}
	return "llm:" + s.client.Name()
}

// Synthesize answers prompt from result. An empty result is EMPTY_RESULT.
// A model reply that mentions a number absent from the result, its row count
// and the prompt is discarded in favour of the template narration.
func (s *Synthesizer) Synthesize(ctx context.Context, result *models.QueryResult, prompt string) (*models.Answer, error) {
	if result == nil || result.RowCount == 0 || len(result.Rows) == 0 {
		return nil, errors.New(errors.KindEmptyResult, "query returned no rows")
	}

	fallback := &models.Answer{
		Text:     s.template.Narrate(result),
		Narrator: TemplateName,
		Grounded: true,
	}
	if s.client == nil || strings.TrimSpace(prompt) == "" {
		return fallback, nil
	}

	reply, err := s.client.Complete(ctx, renderNarrationPrompt(result, prompt))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.As(ctx.Err())
		}
		s.logger.Warn().Err(err).Msg("Narration request failed, using template")
		return fallback, nil
	}

	text := strings.TrimSpace(llm.StripCodeFence(reply))
	if text == "" {
		s.logger.Warn().Msg("Model returned an empty narration, using template")
		return fallback, nil
	}
	if bad := newGroundingSet(result, prompt).ungrounded(text); len(bad) > 0 {
		s.logger.Warn().
			Strs("ungrounded", bad).
			Str("narrator", s.NarratorName()).
			Msg("Narration mentions values not in the result, using template")
		return fallback, nil
	}

	return &models.Answer{
		Text:     text,
		Narrator: s.NarratorName(),
		Grounded: true,
	}, nil
}

func renderNarrationPrompt(result *models.QueryResult, prompt string) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the query result below.\n")
	b.WriteString("Do not mention any number that is not in the result or the question.\n")
	b.WriteString("Reply with one or two plain sentences.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", prompt)
	fmt.Fprintf(&b, "Rows: %d\n", result.RowCount)

	names := result.ColumnNames()
	b.WriteString(strings.Join(names, " | "))
	b.WriteByte('\n')
	for i, row := range result.Rows {
		if i == promptRowLimit {
			fmt.Fprintf(&b, "(%d more rows omitted)\n", len(result.Rows)-promptRowLimit)
			break
		}
		cells := make([]string, len(names))
		for j, name := range names {
			cells[j] = converter.FormatValue(row[name])
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	return b.String()
}
