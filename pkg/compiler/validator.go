package compiler

import (
	"strings"

	"github.com/samber/lo"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// Analysis describes the schema references of a validated query.
type Analysis struct {
	Statement string
	Tables    []string
	Columns   []string
}

var reservedWords = wordSet(`
	SELECT FROM WHERE AND OR NOT AS ON JOIN LEFT RIGHT INNER OUTER FULL CROSS NATURAL
	GROUP BY ORDER HAVING LIMIT OFFSET DISTINCT CASE WHEN THEN ELSE END IS NULL IN
	BETWEEN LIKE ILIKE SIMILAR ASC DESC WITH RECURSIVE UNION ALL INTERSECT EXCEPT
	TRUE FALSE INTERVAL DATE TIMESTAMP TIME OVER PARTITION EXISTS ANY SOME USING
	NULLS FIRST LAST FILTER WINDOW ROWS RANGE PRECEDING FOLLOWING UNBOUNDED CURRENT
	ROW VALUES QUALIFY LATERAL FETCH NEXT ONLY TIES CURRENT_DATE CURRENT_TIMESTAMP
	CURRENT_TIME LOCALTIMESTAMP YEAR MONTH DAY HOUR MINUTE SECOND WEEK QUARTER YEARS
	MONTHS DAYS HOURS MINUTES SECONDS WEEKS AT ZONE ESCAPE COLLATE EXCLUDE
`)

// Reserved words that may also be called as functions, e.g. date(x) or left(s, 3).
var functionKeywords = wordSet(`DATE TIMESTAMP TIME LEFT RIGHT YEAR MONTH DAY HOUR MINUTE SECOND WEEK QUARTER`)

var readOnlyLeaders = wordSet(`SELECT WITH VALUES`)

var writeKeywords = wordSet(`
	INSERT UPDATE DELETE MERGE DROP CREATE ALTER TRUNCATE COPY ATTACH DETACH INSTALL
	LOAD PRAGMA EXPORT IMPORT CALL GRANT REVOKE SET RESET CHECKPOINT VACUUM BEGIN
	COMMIT ROLLBACK
`)

func wordSet(words string) map[string]bool {
	return lo.SliceToMap(strings.Fields(words), func(w string) (string, bool) { return w, true })
}

// CheckReadOnly verifies that sql is exactly one read-only query. It does not
// consult any schema.
func CheckReadOnly(sql string) error {
	_, err := statementTokens(sql)
	return err
}

// statementTokens tokenizes sql and enforces the single read-only statement rule.
func statementTokens(sql string) ([]token, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, errors.New(errors.KindSyntax, "query is empty")
	}

	toks, err := tokenize(sql)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSyntax, "query could not be tokenized")
	}
	for len(toks) > 0 && toks[len(toks)-1].kind == tokSemicolon {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, errors.New(errors.KindSyntax, "query is empty")
	}

	depth := 0
	for _, t := range toks {
		switch t.kind {
		case tokSemicolon:
			return nil, errors.New(errors.KindSyntax, "multiple statements are not allowed").
				WithDetail("position", t.pos)
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth < 0 {
				return nil, errors.New(errors.KindSyntax, "unbalanced parentheses").
					WithDetail("position", t.pos)
			}
		}
	}
	if depth != 0 {
		return nil, errors.New(errors.KindSyntax, "unbalanced parentheses")
	}

	first, ok := lo.Find(toks, func(t token) bool { return t.kind != tokLParen })
	if !ok || !readOnlyLeaders[first.upper()] {
		return nil, errors.New(errors.KindSyntax, "only read-only SELECT queries are allowed").
			WithDetail("statement", first.text)
	}

	for i, t := range toks {
		if writeKeywords[t.upper()] && !(i+1 < len(toks) && toks[i+1].kind == tokLParen) {
			return nil, errors.Newf(errors.KindSyntax, "query contains a write operation: %s", t.upper()).
				WithDetail("position", t.pos)
		}
	}

	return toks, nil
}

// Validate checks that sql is a single read-only query whose table and
// column references all exist in schema.
func Validate(sql string, schema *models.DatasetSchema) (*Analysis, error) {
	toks, err := statementTokens(sql)
	if err != nil {
		return nil, err
	}

	a := &analyzer{
		toks:     toks,
		schema:   schema,
		consumed: make([]bool, len(toks)),
		aliases:  make(map[string]*models.Table),
		derived:  make(map[string]bool),
		defined:  make(map[string]bool),
	}
	a.collect()
	a.check()

	if len(a.unknownTables) > 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "unknown table: %s", strings.Join(a.unknownTables, ", ")).
			WithDetail("tables", a.unknownTables).
			WithDetail("available", schema.TableNames())
	}
	if len(a.unknownColumns) > 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "unknown column: %s", strings.Join(a.unknownColumns, ", ")).
			WithDetail("columns", a.unknownColumns).
			WithDetail("tables", a.tables)
	}

	return &Analysis{
		Statement: first(toks).upper(),
		Tables:    a.tables,
		Columns:   a.columns,
	}, nil
}

func first(toks []token) token {
	t, _ := lo.Find(toks, func(t token) bool { return t.kind != tokLParen })
	return t
}

type analyzer struct {
	toks     []token
	schema   *models.DatasetSchema
	consumed []bool

	// aliases maps table names and aliases to schema tables. Derived sources
	// map to nil.
	aliases map[string]*models.Table
	// derived holds CTE and named window names.
	derived map[string]bool
	// defined holds output aliases and CTE column names.
	defined map[string]bool

	tables         []string
	columns        []string
	unknownTables  []string
	unknownColumns []string
}

func (a *analyzer) at(i int) token {
	if i < 0 || i >= len(a.toks) {
		return token{kind: tokSemicolon}
	}
	return a.toks[i]
}

// isName reports whether t can name a table, column or alias.
func isName(t token) bool {
	return t.kind == tokQuotedIdent || (t.kind == tokIdent && !reservedWords[t.upper()])
}

func isFunctionName(t token) bool {
	if t.kind == tokQuotedIdent {
		return true
	}
	return t.kind == tokIdent && (!reservedWords[t.upper()] || functionKeywords[t.upper()])
}

func (a *analyzer) matching(open int) int {
	depth := 0
	for i := open; i < len(a.toks); i++ {
		switch a.toks[i].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(a.toks) - 1
}

// collect records CTEs, table references and aliases.
func (a *analyzer) collect() {
	var parens []bool
	for i := 0; i < len(a.toks); i++ {
		t := a.toks[i]
		switch {
		case t.kind == tokLParen:
			parens = append(parens, i > 0 && isFunctionName(a.toks[i-1]))

		case t.kind == tokRParen:
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}

		case isName(t) && a.at(i+1).is("AS") && a.at(i+2).kind == tokLParen:
			a.derived[strings.ToLower(t.text)] = true
			a.consumed[i] = true

		case isName(t) && a.at(i+1).kind == tokLParen:
			closing := a.matching(i + 1)
			if a.at(closing+1).is("AS") && a.at(closing+2).kind == tokLParen {
				a.derived[strings.ToLower(t.text)] = true
				a.consumed[i] = true
				for j := i + 2; j < closing; j++ {
					if a.toks[j].isIdent() {
						a.defined[strings.ToLower(a.toks[j].text)] = true
						a.consumed[j] = true
					}
				}
			}

		case t.is("AS") && a.at(i+1).isIdent() && a.at(i+2).kind != tokLParen:
			a.defined[strings.ToLower(a.at(i+1).text)] = true
			a.consumed[i+1] = true

		case t.is("FROM") || t.is("JOIN"):
			if len(parens) > 0 && parens[len(parens)-1] {
				// EXTRACT(... FROM x), SUBSTRING(x FROM n) and friends.
				continue
			}
			if a.at(i-1).is("DISTINCT") && (a.at(i-2).is("IS") || a.at(i-2).is("NOT")) {
				continue
			}
			j := a.tableFactor(i + 1)
			for t.is("FROM") && a.at(j).kind == tokComma {
				j = a.tableFactor(j + 1)
			}
		}

		if isName(t) && !a.consumed[i] && a.isImplicitAlias(i) {
			a.defined[strings.ToLower(t.text)] = true
			a.consumed[i] = true
		}
	}
}

// isImplicitAlias detects "expr alias" in a select list, as in COUNT(*) n.
func (a *analyzer) isImplicitAlias(i int) bool {
	prev, next := a.at(i-1), a.at(i+1)
	if !(next.kind == tokComma || next.is("FROM") || i == len(a.toks)-1) {
		return false
	}
	switch prev.kind {
	case tokRParen, tokString, tokNumber:
		return true
	case tokIdent, tokQuotedIdent:
		return isName(prev)
	}
	return false
}

// tableFactor parses a table reference with its optional alias starting at
// index j and returns the index after it.
func (a *analyzer) tableFactor(j int) int {
	if a.at(j).is("LATERAL") {
		j++
	}

	t := a.at(j)
	if t.kind == tokLParen {
		closing := a.matching(j)
		return a.alias(closing+1, nil)
	}
	if !isName(t) {
		return j
	}

	parts := []string{t.text}
	a.consumed[j] = true
	k := j + 1
	for a.at(k).kind == tokDot && a.at(k+1).isIdent() {
		parts = append(parts, a.at(k+1).text)
		a.consumed[k+1] = true
		k += 2
	}
	name := parts[len(parts)-1]
	key := strings.ToLower(name)

	if a.at(k).kind == tokLParen {
		// Table functions such as read_csv can reach outside the dataset.
		a.unknownTables = append(a.unknownTables, name+"()")
		return a.alias(a.matching(k)+1, nil)
	}

	if len(parts) == 1 && a.derived[key] {
		a.aliases[key] = nil
		return a.alias(k, nil)
	}

	table, ok := a.schema.Table(name)
	if ok && len(parts) > 1 {
		qualifier := parts[len(parts)-2]
		ok = strings.EqualFold(qualifier, a.schema.Dataset)
	}
	if !ok {
		a.unknownTables = append(a.unknownTables, strings.Join(parts, "."))
		return a.alias(k, nil)
	}

	if !lo.Contains(a.tables, table.Name) {
		a.tables = append(a.tables, table.Name)
	}
	a.aliases[key] = table
	return a.alias(k, table)
}

func (a *analyzer) alias(k int, table *models.Table) int {
	if a.at(k).is("AS") {
		k++
	}
	if isName(a.at(k)) {
		a.aliases[strings.ToLower(a.at(k).text)] = table
		a.consumed[k] = true
		k++
	}
	return k
}

// check resolves every remaining identifier against the collected scope.
func (a *analyzer) check() {
	for i := 0; i < len(a.toks); i++ {
		t := a.toks[i]
		if a.consumed[i] || !isName(t) {
			continue
		}
		if a.at(i+1).kind == tokLParen {
			continue
		}
		if prev := a.at(i - 1); prev.kind == tokOperator && prev.text == "::" {
			continue
		}
		if a.at(i-1).kind == tokDot {
			continue
		}

		if a.at(i+1).kind == tokDot {
			i = a.checkQualified(i)
			continue
		}

		a.checkBare(t.text)
	}
}

func (a *analyzer) checkQualified(i int) int {
	parts := []token{a.toks[i]}
	k := i + 1
	for a.at(k).kind == tokDot && (a.at(k+1).isIdent() || a.at(k+1).text == "*") {
		parts = append(parts, a.at(k+1))
		k += 2
	}
	if len(parts) < 2 {
		a.checkBare(parts[0].text)
		return i
	}

	qualifier := strings.ToLower(parts[len(parts)-2].text)
	column := parts[len(parts)-1]
	if len(parts) > 3 {
		a.unknownColumns = append(a.unknownColumns, joinTokens(parts))
		return k - 1
	}

	table, ok := a.aliases[qualifier]
	if !ok {
		if a.derived[qualifier] {
			return k - 1
		}
		a.unknownColumns = append(a.unknownColumns, joinTokens(parts))
		return k - 1
	}
	if table == nil || column.text == "*" {
		return k - 1
	}
	if col, ok := table.Column(column.text); ok {
		a.addColumn(table.Name, col.Name)
	} else {
		a.unknownColumns = append(a.unknownColumns, table.Name+"."+column.text)
	}
	return k - 1
}

func (a *analyzer) checkBare(name string) {
	key := strings.ToLower(name)
	if a.defined[key] || a.derived[key] {
		return
	}
	if _, ok := a.aliases[key]; ok {
		return
	}
	for _, tableName := range a.tables {
		table, _ := a.schema.Table(tableName)
		if col, ok := table.Column(name); ok {
			a.addColumn(table.Name, col.Name)
			return
		}
	}
	if !lo.Contains(a.unknownColumns, name) {
		a.unknownColumns = append(a.unknownColumns, name)
	}
}

func (a *analyzer) addColumn(table, column string) {
	ref := table + "." + column
	if !lo.Contains(a.columns, ref) {
		a.columns = append(a.columns, ref)
	}
}

func joinTokens(parts []token) string {
	return strings.Join(lo.Map(parts, func(t token, _ int) string { return t.text }), ".")
}
