package compiler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/llm"
	"github.com/TFMV/promptql/pkg/models"
)

func shopSchema() *models.DatasetSchema {
	return &models.DatasetSchema{
		Dataset: "main",
		Tables: []models.Table{
			{Name: "orders", Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "customer_id", DataType: "INTEGER"},
				{Name: "amount", DataType: "DECIMAL(10,2)"},
				{Name: "status", DataType: "VARCHAR"},
				{Name: "placed_at", DataType: "TIMESTAMP"},
			}},
			{Name: "customers", Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "name", DataType: "VARCHAR"},
				{Name: "signed_up_at", DataType: "TIMESTAMP"},
			}},
		},
	}
}

func minimalOrders() *models.DatasetSchema {
	return &models.DatasetSchema{
		Dataset: "main",
		Tables: []models.Table{
			{Name: "orders", Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "placed_at", DataType: "TIMESTAMP"},
			}},
		},
	}
}

func TestCompile_OrdersLastMonth(t *testing.T) {
	c := New(NewHeuristicTranslator(0))

	out, err := c.Compile(context.Background(), models.PipelineRequest{
		Prompt:  "How many orders were placed last month?",
		Dataset: "main",
	}, minimalOrders())
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT COUNT(*) AS order_count FROM orders "+
			"WHERE placed_at >= date_trunc('month', current_date) - INTERVAL '1 month' "+
			"AND placed_at < date_trunc('month', current_date)",
		out.SQL)
	assert.Contains(t, out.SQL, "COUNT(*)")
	assert.Equal(t, []string{"orders"}, out.Tables)
	assert.Equal(t, []string{"orders.placed_at"}, out.Columns)
	assert.Equal(t, "heuristic", out.Translator)
}

func TestCompile_ReferencesOnlySchemaColumns(t *testing.T) {
	schema := shopSchema()
	c := New(NewHeuristicTranslator(50))

	prompts := []string{
		"How many orders were placed last month?",
		"What is the total amount of orders this year?",
		"Average amount of orders in the last 30 days",
		"How many orders per customer?",
		"Show orders by month",
		"List customers",
		"Show order status and amount for orders placed today",
		"What is the highest amount of any order?",
		"When did the latest customer sign up?",
	}

	for _, p := range prompts {
		t.Run(p, func(t *testing.T) {
			out, err := c.Compile(context.Background(), models.PipelineRequest{Prompt: p, Dataset: "main"}, schema)
			require.NoError(t, err)

			for _, ref := range out.Columns {
				var table, column string
				_, err := fmt.Sscanf(replaceDot(ref), "%s %s", &table, &column)
				require.NoError(t, err)
				tbl, ok := schema.Table(table)
				require.True(t, ok, "table %s", table)
				_, ok = tbl.Column(column)
				assert.True(t, ok, "column %s", ref)
			}
			for _, name := range out.Tables {
				_, ok := schema.Table(name)
				assert.True(t, ok, "table %s", name)
			}
		})
	}
}

func replaceDot(ref string) string {
	for i := range ref {
		if ref[i] == '.' {
			return ref[:i] + " " + ref[i+1:]
		}
	}
	return ref
}

func TestHeuristicTranslator_SQL(t *testing.T) {
	schema := shopSchema()
	h := NewHeuristicTranslator(100)

	tests := []struct {
		name     string
		prompt   string
		synonyms map[string]string
		want     string
	}{
		{
			name:   "sum this year",
			prompt: "What is the total amount of orders this year?",
			want: "SELECT SUM(amount) AS total_amount FROM orders " +
				"WHERE placed_at >= date_trunc('year', current_date) " +
				"AND placed_at < date_trunc('year', current_date) + INTERVAL '1 year'",
		},
		{
			name:   "count per customer",
			prompt: "How many orders per customer?",
			want:   "SELECT customer_id, COUNT(*) AS order_count FROM orders GROUP BY 1 ORDER BY 2 DESC",
		},
		{
			name:   "bucketed by month",
			prompt: "Show orders by month",
			want: `SELECT date_trunc('month', placed_at) AS "month", COUNT(*) AS order_count ` +
				"FROM orders GROUP BY 1 ORDER BY 1 LIMIT 100",
		},
		{
			name:   "last n days",
			prompt: "How many orders in the last 7 days?",
			want:   "SELECT COUNT(*) AS order_count FROM orders WHERE placed_at >= current_date - INTERVAL '7 day'",
		},
		{
			name:     "synonym names the table",
			prompt:   "How many purchases yesterday?",
			synonyms: map[string]string{"purchases": "orders"},
			want: "SELECT COUNT(*) AS order_count FROM orders " +
				"WHERE placed_at >= current_date - INTERVAL '1 day' AND placed_at < current_date",
		},
		{
			name:   "listing mentioned columns",
			prompt: "Show orders with status and amount",
			want:   "SELECT status, amount FROM orders LIMIT 100",
		},
		{
			name:   "top n listing",
			prompt: "Show the top 5 customers",
			want:   "SELECT * FROM customers LIMIT 5",
		},
		{
			name:   "absolute year",
			prompt: "How many customers signed up in 2024?",
			want: "SELECT COUNT(*) AS customer_count FROM customers " +
				"WHERE signed_up_at >= DATE '2024-01-01' AND signed_up_at < DATE '2025-01-01'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := h.Translate(context.Background(), models.PipelineRequest{
				Prompt:      tt.prompt,
				SchemaHints: models.SchemaHints{Synonyms: tt.synonyms},
			}, schema)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)

			_, err = Validate(sql, schema)
			assert.NoError(t, err)
		})
	}
}

func TestHeuristicTranslator_MeasureColumns(t *testing.T) {
	schema := &models.DatasetSchema{
		Dataset: "main",
		Tables: []models.Table{
			{Name: "invoices", Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "customer_id", DataType: "INTEGER"},
				{Name: "paid", DataType: "DECIMAL(10,2)"},
				{Name: "prepaid", DataType: "DECIMAL(10,2)"},
			}},
			{Name: "auctions", Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "bid", DataType: "DOUBLE"},
			}},
		},
	}
	h := NewHeuristicTranslator(100)

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "column ending in id",
			prompt: "What is the total paid of invoices?",
			want:   "SELECT SUM(paid) AS total_paid FROM invoices",
		},
		{
			name:   "longer column ending in id",
			prompt: "What is the total prepaid of invoices?",
			want:   "SELECT SUM(prepaid) AS total_prepaid FROM invoices",
		},
		{
			name:   "short column ending in id",
			prompt: "What is the highest bid of all auctions?",
			want:   "SELECT MAX(bid) AS max_bid FROM auctions",
		},
		{
			name:   "foreign key skipped",
			prompt: "What is the total customer paid of invoices?",
			want:   "SELECT SUM(paid) AS total_paid FROM invoices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := h.Translate(context.Background(), models.PipelineRequest{Prompt: tt.prompt}, schema)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
		})
	}
}

func TestHeuristicTranslator_Ambiguous(t *testing.T) {
	noDates := &models.DatasetSchema{
		Dataset: "main",
		Tables: []models.Table{
			{Name: "products", Columns: []models.Column{{Name: "sku", DataType: "VARCHAR"}}},
		},
	}

	tests := []struct {
		name   string
		prompt string
		schema *models.DatasetSchema
	}{
		{"no table mentioned", "What is the weather like?", shopSchema()},
		{"no measure", "What is the average of orders?", shopSchema()},
		{"time range without date column", "How many products last month?", noDates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(NewHeuristicTranslator(0)).Compile(context.Background(),
				models.PipelineRequest{Prompt: tt.prompt, Dataset: "main"}, tt.schema)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindAmbiguousPrompt), "got %v", err)
		})
	}
}

func TestCompile_RequestValidation(t *testing.T) {
	c := New(NewHeuristicTranslator(0))
	ctx := context.Background()

	_, err := c.Compile(ctx, models.PipelineRequest{Prompt: "   ", Dataset: "main"}, shopSchema())
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = c.Compile(ctx, models.PipelineRequest{Prompt: "How many orders?", Dataset: "empty"}, &models.DatasetSchema{Dataset: "empty"})
	assert.True(t, errors.IsKind(err, errors.KindSchemaMismatch))

	_, err = c.Compile(ctx, models.PipelineRequest{
		Prompt:      "How many orders?",
		Dataset:     "main",
		SchemaHints: models.SchemaHints{Tables: []string{"invoices"}},
	}, shopSchema())
	assert.True(t, errors.IsKind(err, errors.KindSchemaMismatch))
}

func TestCompile_SchemaHintsRestrictTables(t *testing.T) {
	c := New(NewHeuristicTranslator(0))

	out, err := c.Compile(context.Background(), models.PipelineRequest{
		Prompt:      "How many signups are there?",
		Dataset:     "main",
		SchemaHints: models.SchemaHints{Tables: []string{"customers"}},
	}, shopSchema())
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) AS customer_count FROM customers", out.SQL)
}

func TestCompile_LLMTranslator(t *testing.T) {
	tests := []struct {
		name     string
		client   *llm.Static
		wantSQL  string
		wantKind string
	}{
		{
			name:    "fenced reply",
			client:  &llm.Static{Responses: []string{"```sql\nSELECT COUNT(*) FROM orders;\n```"}},
			wantSQL: "SELECT COUNT(*) FROM orders",
		},
		{
			name:     "model reports ambiguity",
			client:   &llm.Static{Responses: []string{"AMBIGUOUS: which kind of orders?"}},
			wantKind: errors.KindAmbiguousPrompt,
		},
		{
			name:     "hallucinated column",
			client:   &llm.Static{Responses: []string{"SELECT SUM(total) FROM orders"}},
			wantKind: errors.KindSchemaMismatch,
		},
		{
			name:     "not a query",
			client:   &llm.Static{Responses: []string{"Sure! Here is your answer."}},
			wantKind: errors.KindAmbiguousPrompt,
		},
		{
			name:     "write statement",
			client:   &llm.Static{Responses: []string{"DELETE FROM orders"}},
			wantKind: errors.KindAmbiguousPrompt,
		},
		{
			name:     "provider failure",
			client:   &llm.Static{Err: fmt.Errorf("rate limited")},
			wantKind: errors.KindLLMFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(NewLLMTranslator(tt.client))
			out, err := c.Compile(context.Background(), models.PipelineRequest{
				Prompt:  "How many orders?",
				Dataset: "main",
			}, shopSchema())

			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, out.SQL)
			assert.Equal(t, "llm:static", out.Translator)

			require.Len(t, tt.client.Prompts, 1)
			assert.Contains(t, tt.client.Prompts[0], "- orders(id INTEGER, customer_id INTEGER")
			assert.Contains(t, tt.client.Prompts[0], "Question: How many orders?")
		})
	}
}
