package synthesizer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/TFMV/promptql/pkg/infrastructure/converter"
	"github.com/TFMV/promptql/pkg/models"
)

// numberRe matches unsigned decimal numbers, with optional thousands separators.
var numberRe = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`)

type number struct {
	value    float64
	decimals int
	text     string
}

func extractNumbers(s string) []number {
	matches := numberRe.FindAllString(s, -1)
	out := make([]number, 0, len(matches))
	for _, m := range matches {
		text := strings.ReplaceAll(m, ",", "")
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			continue
		}
		decimals := 0
		if i := strings.IndexByte(text, '.'); i >= 0 {
			decimals = len(text) - i - 1
		}
		out = append(out, number{value: v, decimals: decimals, text: m})
	}
	return out
}

// groundingSet holds every number a narration may mention.
type groundingSet struct {
	values []float64
}

func newGroundingSet(result *models.QueryResult, prompt string) *groundingSet {
	g := &groundingSet{}
	g.add(float64(result.RowCount))
	for _, row := range result.Rows {
		for _, v := range row {
			switch val := v.(type) {
			case int64:
				g.add(math.Abs(float64(val)))
			case uint64:
				g.add(float64(val))
			case float64:
				g.add(math.Abs(val))
			}
			// Formatted text covers dates and numbers embedded in strings.
			g.addText(converter.FormatValue(v))
		}
	}
	g.addText(prompt)
	return g
}

func (g *groundingSet) add(v float64) {
	g.values = append(g.values, v)
}

func (g *groundingSet) addText(s string) {
	for _, n := range extractNumbers(s) {
		g.add(n.value)
	}
}

// contains reports whether n equals a known value, allowing the known value
// to be rounded to the precision n was written with.
func (g *groundingSet) contains(n number) bool {
	scale := math.Pow(10, float64(n.decimals))
	for _, v := range g.values {
		if v == n.value {
			return true
		}
		if math.Abs(math.Round(v*scale)/scale-n.value) < 1e-9 {
			return true
		}
	}
	return false
}

// ungrounded returns the numbers in text that do not appear in the set.
func (g *groundingSet) ungrounded(text string) []string {
	var bad []string
	for _, n := range extractNumbers(text) {
		if !g.contains(n) {
			bad = append(bad, n.text)
		}
	}
	return bad
}
