package synthesizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/TFMV/promptql/pkg/infrastructure/converter"
	"github.com/TFMV/promptql/pkg/models"
)

// TemplateName is the narrator name reported for template answers.
const TemplateName = "template"

const defaultListedRows = 10

var plainColumn = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// TemplateNarrator renders answers from fixed sentence templates. It only
// ever prints values taken from the result and the result's row count.
type TemplateNarrator struct {
	listedRows int
}

// NewTemplateNarrator creates a template narrator that lists at most
// listedRows rows verbatim.
func NewTemplateNarrator(listedRows int) *TemplateNarrator {
	if listedRows <= 0 {
		listedRows = defaultListedRows
	}
	return &TemplateNarrator{listedRows: listedRows}
}

// Narrate describes a non-empty result.
func (n *TemplateNarrator) Narrate(result *models.QueryResult) string {
	if v, ok := result.Scalar(); ok {
		return scalarSentence(result.Columns[0].Name, v)
	}

	if len(result.Rows) == 1 {
		var b strings.Builder
		b.WriteString("The query returned one row:")
		for _, col := range result.Columns {
			fmt.Fprintf(&b, "\n- %s is %s", col.Name, converter.FormatValue(result.Rows[0][col.Name]))
		}
		return b.String()
	}

	var b strings.Builder
	names := result.ColumnNames()
	fmt.Fprintf(&b, "The query returned %d rows with columns %s.", result.RowCount, strings.Join(names, ", "))

	shown := lo.Slice(result.Rows, 0, n.listedRows)
	for i, row := range shown {
		cells := lo.Map(names, func(name string, _ int) string {
			return name + "=" + converter.FormatValue(row[name])
		})
		fmt.Fprintf(&b, "\n%d. %s", i+1, strings.Join(cells, ", "))
	}
	if rest := int(result.RowCount) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n... and %d more rows.", rest)
	}
	return b.String()
}

func scalarSentence(column string, v interface{}) string {
	value := converter.FormatValue(v)
	if !plainColumn.MatchString(column) {
		return fmt.Sprintf("The answer is %s.", value)
	}
	label := strings.ReplaceAll(strings.ToLower(column), "_", " ")
	return fmt.Sprintf("The %s is %s.", label, value)
}
