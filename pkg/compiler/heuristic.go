package compiler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// intent is the aggregate a prompt asks for.
type intent int

const (
	intentList intent = iota
	intentCount
	intentSum
	intentAvg
	intentMin
	intentMax
)

var intentPhrases = []struct {
	intent  intent
	phrases []string
}{
	{intentCount, []string{"how many", "count", "number of"}},
	{intentAvg, []string{"average", "avg", "mean"}},
	{intentSum, []string{"total", "sum"}},
	{intentMax, []string{"maximum", "max", "highest", "largest", "biggest", "latest", "most recent"}},
	{intentMin, []string{"minimum", "min", "lowest", "smallest", "earliest", "oldest"}},
}

var (
	wordPattern     = regexp.MustCompile(`[a-z0-9_]+`)
	lastNPattern    = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d+)\s+(day|week|month|year)s?\b`)
	lastUnitPattern = regexp.MustCompile(`\b(?:last|previous|past)\s+(week|month|quarter|year)\b`)
	thisUnitPattern = regexp.MustCompile(`\bthis\s+(week|month|quarter|year)\b`)
	yearPattern     = regexp.MustCompile(`\bin\s+((?:19|20)\d{2})\b`)
	groupPattern    = regexp.MustCompile(`\b(?:by|per|for each|grouped by)\s+([a-z0-9_]+)`)
	topPattern      = regexp.MustCompile(`\b(?:top|first)\s+(\d+)\b`)
	identPattern    = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// HeuristicTranslator maps prompts onto single-table aggregate and listing
// queries without a language model.
type HeuristicTranslator struct {
	// ListLimit bounds listing queries that do not ask for a row count.
	ListLimit int
}

// NewHeuristicTranslator creates a rule-based translator.
func NewHeuristicTranslator(listLimit int) *HeuristicTranslator {
	if listLimit <= 0 {
		listLimit = 100
	}
	return &HeuristicTranslator{ListLimit: listLimit}
}

// Name implements Translator.
func (h *HeuristicTranslator) Name() string { return "heuristic" }

// prompt is a normalized prompt.
type prompt struct {
	text     string
	words    []string
	stems    map[string]bool
	synonyms map[string]string
}

func newPrompt(text string, synonyms map[string]string) prompt {
	lower := strings.ToLower(text)
	words := wordPattern.FindAllString(lower, -1)
	p := prompt{
		text:     " " + strings.Join(words, " ") + " ",
		words:    words,
		stems:    make(map[string]bool, len(words)),
		synonyms: make(map[string]string, len(synonyms)),
	}
	for _, w := range words {
		p.stems[stem(w)] = true
	}
	for term, target := range synonyms {
		p.synonyms[strings.ToLower(strings.TrimSpace(term))] = target
	}
	return p
}

func (p prompt) has(phrase string) bool {
	return strings.Contains(p.text, " "+phrase+" ")
}

// mentions reports whether the prompt names an identifier such as order_items.
func (p prompt) mentions(ident string) bool {
	parts := strings.Split(strings.ToLower(ident), "_")
	if len(parts) == 1 {
		return p.stems[stem(parts[0])]
	}
	if p.has(strings.Join(parts, " ")) {
		return true
	}
	stemmed := lo.Map(parts, func(s string, _ int) string { return stem(s) })
	return lo.EveryBy(stemmed, func(s string) bool { return p.stems[s] })
}

// position returns the index of the first word mentioning ident, or -1.
func (p prompt) position(ident string) int {
	head := stem(strings.Split(strings.ToLower(ident), "_")[0])
	for i, w := range p.words {
		if stem(w) == head {
			return i
		}
	}
	return -1
}

// stem reduces simple English plurals.
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && (strings.HasSuffix(w, "ses") || strings.HasSuffix(w, "xes") || strings.HasSuffix(w, "ches")):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// Translate implements Translator.
func (h *HeuristicTranslator) Translate(_ context.Context, req models.PipelineRequest, schema *models.DatasetSchema) (string, error) {
	p := newPrompt(req.Prompt, req.SchemaHints.Synonyms)

	table, err := h.resolveTable(p, schema)
	if err != nil {
		return "", err
	}

	q := query{table: table, intent: h.resolveIntent(p)}

	if n := topPattern.FindStringSubmatch(p.text); n != nil {
		q.limit, _ = strconv.Atoi(n[1])
	}

	q.group, q.groupUnit = h.resolveGroup(p, table)

	window, hasWindow := resolveWindow(p)
	if hasWindow || q.groupUnit != "" {
		col, err := h.resolveTimeColumn(p, table)
		if err != nil {
			return "", err
		}
		q.timeColumn = col
		if hasWindow {
			q.window = &window
		}
	}

	if q.intent != intentList && q.intent != intentCount {
		col, err := h.resolveMeasure(p, table, q)
		if err != nil {
			return "", err
		}
		q.measure = col
	}
	if q.intent == intentList {
		q.columns = h.mentionedColumns(p, table, q)
		if q.limit == 0 {
			q.limit = h.ListLimit
		}
	}

	return q.sql(), nil
}

func (h *HeuristicTranslator) resolveTable(p prompt, schema *models.DatasetSchema) (*models.Table, error) {
	terms := lo.Keys(p.synonyms)
	sort.Strings(terms)
	for _, term := range terms {
		if !p.has(term) && !p.stems[stem(term)] {
			continue
		}
		name := strings.SplitN(p.synonyms[term], ".", 2)[0]
		if t, ok := schema.Table(name); ok {
			return t, nil
		}
	}

	type candidate struct {
		table *models.Table
		pos   int
	}
	var candidates []candidate
	for i := range schema.Tables {
		t := &schema.Tables[i]
		if p.mentions(t.Name) {
			candidates = append(candidates, candidate{table: t, pos: p.position(t.Name)})
		}
	}

	switch {
	case len(candidates) == 1:
		return candidates[0].table, nil
	case len(candidates) > 1:
		best := lo.MinBy(candidates, func(a, b candidate) bool {
			if a.pos < 0 {
				return false
			}
			return b.pos < 0 || a.pos < b.pos
		})
		return best.table, nil
	case len(schema.Tables) == 1:
		return &schema.Tables[0], nil
	}

	return nil, errors.Newf(errors.KindAmbiguousPrompt, "prompt does not name a table in dataset %q", schema.Dataset).
		WithDetail("tables", schema.TableNames())
}

func (h *HeuristicTranslator) resolveIntent(p prompt) intent {
	for _, ip := range intentPhrases {
		for _, phrase := range ip.phrases {
			if p.has(phrase) {
				return ip.intent
			}
		}
	}
	return intentList
}

// columnFor maps a prompt word to a column of table.
// isKeyColumn reports whether name looks like a row or foreign key.
func isKeyColumn(name string) bool {
	name = strings.ToLower(name)
	return name == "id" || strings.HasSuffix(name, "_id")
}

func columnFor(word string, p prompt, table *models.Table) (*models.Column, bool) {
	if target, ok := p.synonyms[word]; ok {
		parts := strings.SplitN(target, ".", 2)
		name := parts[len(parts)-1]
		if c, ok := table.Column(name); ok {
			return c, true
		}
	}
	for _, name := range []string{word, stem(word), word + "_id", stem(word) + "_id", word + "_name", stem(word) + "_name"} {
		if c, ok := table.Column(name); ok {
			return c, true
		}
	}
	return nil, false
}

var timeUnits = map[string]string{
	"day": "day", "daily": "day", "week": "week", "weekly": "week",
	"month": "month", "monthly": "month", "quarter": "quarter",
	"year": "year", "yearly": "year",
}

func (h *HeuristicTranslator) resolveGroup(p prompt, table *models.Table) (*models.Column, string) {
	for _, m := range groupPattern.FindAllStringSubmatch(p.text, -1) {
		word := m[1]
		if unit, ok := timeUnits[stem(word)]; ok {
			return nil, unit
		}
		if c, ok := columnFor(word, p, table); ok {
			return c, ""
		}
	}
	return nil, ""
}

func (h *HeuristicTranslator) resolveTimeColumn(p prompt, table *models.Table) (*models.Column, error) {
	temporal := lo.Filter(table.Columns, func(c models.Column, _ int) bool { return c.IsTemporal() })
	if len(temporal) == 0 {
		return nil, errors.Newf(errors.KindAmbiguousPrompt, "prompt asks for a time range but table %q has no date column", table.Name)
	}

	for _, c := range temporal {
		for _, part := range strings.Split(strings.ToLower(c.Name), "_") {
			if part != "at" && part != "date" && part != "on" && part != "time" && p.stems[stem(part)] {
				col, _ := table.Column(c.Name)
				return col, nil
			}
		}
	}
	if len(temporal) == 1 {
		col, _ := table.Column(temporal[0].Name)
		return col, nil
	}

	return nil, errors.Newf(errors.KindAmbiguousPrompt, "several date columns of %q could apply", table.Name).
		WithDetail("columns", lo.Map(temporal, func(c models.Column, _ int) string { return c.Name }))
}

func (h *HeuristicTranslator) resolveMeasure(p prompt, table *models.Table, q query) (*models.Column, error) {
	wantTemporal := p.has("latest") || p.has("earliest") || p.has("most recent") || p.has("oldest")
	for _, w := range p.words {
		c, ok := columnFor(w, p, table)
		if !ok || c == q.group {
			continue
		}
		switch {
		case c.IsNumeric() && !isKeyColumn(c.Name):
			return c, nil
		case c.IsTemporal() && (q.intent == intentMin || q.intent == intentMax):
			return c, nil
		}
	}
	if wantTemporal && q.timeColumn != nil {
		return q.timeColumn, nil
	}
	if wantTemporal {
		if c, err := h.resolveTimeColumn(p, table); err == nil {
			return c, nil
		}
	}
	return nil, errors.Newf(errors.KindAmbiguousPrompt, "prompt does not say which column of %q to aggregate", table.Name).
		WithDetail("numeric_columns", lo.FilterMap(table.Columns, func(c models.Column, _ int) (string, bool) {
			return c.Name, c.IsNumeric()
		}))
}

func (h *HeuristicTranslator) mentionedColumns(p prompt, table *models.Table, q query) []*models.Column {
	var cols []*models.Column
	for _, w := range p.words {
		c, ok := columnFor(w, p, table)
		if !ok || lo.Contains(cols, c) {
			continue
		}
		// A table name such as "orders" also matches orders.order_id; skip it.
		if stem(w) == stem(table.Name) {
			continue
		}
		cols = append(cols, c)
	}
	if len(cols) > 0 && q.timeColumn != nil && !lo.Contains(cols, q.timeColumn) {
		cols = append(cols, q.timeColumn)
	}
	return cols
}

// window is a relative or absolute time range.
type window struct {
	lower string
	upper string
}

func resolveWindow(p prompt) (window, bool) {
	if m := lastNPattern.FindStringSubmatch(p.text); m != nil {
		return window{lower: fmt.Sprintf("current_date - INTERVAL '%s %s'", m[1], m[2])}, true
	}
	if m := lastUnitPattern.FindStringSubmatch(p.text); m != nil {
		start := fmt.Sprintf("date_trunc('%s', current_date)", m[1])
		return window{lower: fmt.Sprintf("%s - INTERVAL '1 %s'", start, m[1]), upper: start}, true
	}
	if m := thisUnitPattern.FindStringSubmatch(p.text); m != nil {
		start := fmt.Sprintf("date_trunc('%s', current_date)", m[1])
		return window{lower: start, upper: fmt.Sprintf("%s + INTERVAL '1 %s'", start, m[1])}, true
	}
	if p.has("today") {
		return window{lower: "current_date", upper: "current_date + INTERVAL '1 day'"}, true
	}
	if p.has("yesterday") {
		return window{lower: "current_date - INTERVAL '1 day'", upper: "current_date"}, true
	}
	if m := yearPattern.FindStringSubmatch(p.text); m != nil {
		year, _ := strconv.Atoi(m[1])
		return window{
			lower: fmt.Sprintf("DATE '%04d-01-01'", year),
			upper: fmt.Sprintf("DATE '%04d-01-01'", year+1),
		}, true
	}
	return window{}, false
}

// query is the resolved shape of a prompt.
type query struct {
	table      *models.Table
	intent     intent
	measure    *models.Column
	columns    []*models.Column
	group      *models.Column
	groupUnit  string
	timeColumn *models.Column
	window     *window
	limit      int
}

func (q query) aggregate() (expr, alias string) {
	switch q.intent {
	case intentCount:
		return "COUNT(*)", stem(strings.ToLower(q.table.Name)) + "_count"
	case intentSum:
		return "SUM(" + quoteIdent(q.measure.Name) + ")", "total_" + strings.ToLower(q.measure.Name)
	case intentAvg:
		return "AVG(" + quoteIdent(q.measure.Name) + ")", "average_" + strings.ToLower(q.measure.Name)
	case intentMin:
		return "MIN(" + quoteIdent(q.measure.Name) + ")", "min_" + strings.ToLower(q.measure.Name)
	case intentMax:
		return "MAX(" + quoteIdent(q.measure.Name) + ")", "max_" + strings.ToLower(q.measure.Name)
	}
	return "", ""
}

func (q query) sql() string {
	var b strings.Builder
	var groupSelect string

	switch {
	case q.group != nil:
		groupSelect = quoteIdent(q.group.Name)
	case q.groupUnit != "":
		groupSelect = fmt.Sprintf("date_trunc('%s', %s) AS %s", q.groupUnit, quoteIdent(q.timeColumn.Name), quoteIdent(q.groupUnit))
	}

	b.WriteString("SELECT ")
	agg, alias := q.aggregate()
	switch {
	case q.intent == intentList && groupSelect != "":
		fmt.Fprintf(&b, "%s, COUNT(*) AS %s_count", groupSelect, stem(strings.ToLower(q.table.Name)))
	case q.intent == intentList && len(q.columns) > 0:
		b.WriteString(strings.Join(lo.Map(q.columns, func(c *models.Column, _ int) string { return quoteIdent(c.Name) }), ", "))
	case q.intent == intentList:
		b.WriteString("*")
	case groupSelect != "":
		fmt.Fprintf(&b, "%s, %s AS %s", groupSelect, agg, alias)
	default:
		fmt.Fprintf(&b, "%s AS %s", agg, alias)
	}

	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(q.table.Name))

	if q.window != nil {
		col := quoteIdent(q.timeColumn.Name)
		fmt.Fprintf(&b, " WHERE %s >= %s", col, q.window.lower)
		if q.window.upper != "" {
			fmt.Fprintf(&b, " AND %s < %s", col, q.window.upper)
		}
	}

	switch {
	case q.groupUnit != "":
		b.WriteString(" GROUP BY 1 ORDER BY 1")
	case q.group != nil:
		b.WriteString(" GROUP BY 1 ORDER BY 2 DESC")
	case q.intent == intentList && q.timeColumn != nil:
		fmt.Fprintf(&b, " ORDER BY %s DESC", quoteIdent(q.timeColumn.Name))
	}

	if q.limit > 0 && (q.intent == intentList || groupSelect != "") {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}

	return b.String()
}

// quoteIdent quotes an identifier unless it is a plain lower-case name.
func quoteIdent(name string) string {
	if identPattern.MatchString(name) && !reservedWords[strings.ToUpper(name)] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
