package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TFMV/promptql/cmd/server/server"
	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/infrastructure/converter"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/services"
)

// maxPrintedRows bounds the result table printed by ask.
const maxPrintedRows = 20

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Run the pipeline once and print the prompt, SQL and answer",
	Long: `Run the pipeline once against the configured warehouse.

Example:
  promptql ask "How many orders were placed last month?"
  promptql ask --dataset shop --sql "SELECT status, COUNT(*) FROM orders GROUP BY status" "Orders by status"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().String("dataset", "", "dataset to query (defaults to the configured dataset)")
	askCmd.Flags().String("sql", "", "run this SQL verbatim instead of compiling the prompt")
	askCmd.Flags().Bool("rows", false, "print the result rows")
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt := ""
	if len(args) > 0 {
		prompt = args[0]
	}
	sqlText, _ := cmd.Flags().GetString("sql")
	dataset, _ := cmd.Flags().GetString("dataset")
	showRows, _ := cmd.Flags().GetBool("rows")
	if strings.TrimSpace(prompt) == "" && strings.TrimSpace(sqlText) == "" {
		return fmt.Errorf("a prompt or --sql is required")
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if dataset == "" {
		dataset = cfg.Warehouse.DefaultDataset
	}

	// Logs go to stderr at warn so the panels stay readable.
	level := cfg.LogLevel
	if level == "" || level == "info" {
		level = "warn"
	}
	logger := setupLogging(level, os.Stderr)

	pipeline, err := server.NewPipeline(cfg, logger, nil, version)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var res *services.AskResult
	if sqlText != "" {
		res, err = runManual(ctx, pipeline.Orchestrator, dataset, prompt, sqlText)
	} else {
		res, err = pipeline.Orchestrator.Ask(ctx, models.PipelineRequest{Prompt: prompt, Dataset: dataset}, models.ExecutionBudget{})
	}

	printPanel("Prompt", promptOrDash(prompt))
	if res != nil && res.SQL != "" {
		printPanel("SQL", res.SQL)
	}
	if err != nil {
		pe := errors.As(err)
		pterm.Error.Printf("%s: %s\n", pe.Kind, pe.Message)
		return fmt.Errorf("pipeline failed: %s", pe.Kind)
	}

	printPanel("Response", res.Answer.Text)
	if showRows && res.Result != nil {
		printRows(res.Result)
	}
	pterm.Println(pterm.FgGray.Sprintf("%d rows, %d bytes scanned, %s, narrator %s",
		res.Result.RowCount, res.Result.BytesScanned, res.Result.ExecutionTime, res.Answer.Narrator))
	return nil
}

// runManual executes hand-written SQL through a session so it is validated,
// budgeted and audited like compiled SQL. prompt, when set, is what the
// answer is narrated against.
func runManual(ctx context.Context, orch services.Orchestrator, dataset, prompt, sqlText string) (*services.AskResult, error) {
	view := orch.CreateSession()
	defer func() { _ = orch.DeleteSession(view.ID) }()

	res := &services.AskResult{SessionID: view.ID, SQL: sqlText}
	if _, err := orch.EditSQL(view.ID, sqlText); err != nil {
		return res, err
	}

	view, err := orch.ExecuteQuery(ctx, view.ID, services.ExecuteOptions{Dataset: dataset, Prompt: prompt})
	if err != nil {
		return res, err
	}
	res.Answer = view.Answer
	res.Result, err = orch.Result(view.ID)
	return res, err
}

func printPanel(title, body string) {
	box := pterm.DefaultBox.
		WithTitle(pterm.NewStyle(pterm.FgLightCyan, pterm.Bold).Sprint(title)).
		WithPadding(1).
		Sprint(body)
	pterm.Println(box)
}

func printRows(result *models.QueryResult) {
	columns := result.ColumnNames()
	data := pterm.TableData{columns}
	for i, row := range result.Rows {
		if i == maxPrintedRows {
			break
		}
		line := make([]string, len(columns))
		for j, name := range columns {
			line[j] = converter.FormatValue(row[name])
		}
		data = append(data, line)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Warning.Println(err.Error())
	}
	if len(result.Rows) > maxPrintedRows {
		pterm.Println(pterm.FgGray.Sprintf("... %d more rows", len(result.Rows)-maxPrintedRows))
	}
}

func promptOrDash(prompt string) string {
	if prompt == "" {
		return "-"
	}
	return prompt
}
