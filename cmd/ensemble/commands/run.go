package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/budget"
	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/logger"
	"github.com/ensembleworks/ensemble/persona"
	"github.com/ensembleworks/ensemble/workflow"
)

// RunCmd runs a workflow against a local document file
var RunCmd = &cobra.Command{
	Use:   "run <workflow-id> <document-file>",
	Short: "Run an analysis workflow against a document",
	Long: `Run a workflow's persona sequence against a local document and print
the results. Each persona's output feeds the next persona's context.

Examples:
  ensemble run quick_review report.txt
  ensemble run full_analysis contract.md --export yaml --output analysis.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: runWorkflowCmd,
}

var (
	runUser   string
	runExport string
	runOutput string
)

func init() {
	RunCmd.Flags().StringVar(&runUser, "user", "", "User ID to record on the analysis")
	RunCmd.Flags().StringVar(&runExport, "export", "", "Export format: json or yaml")
	RunCmd.Flags().StringVar(&runOutput, "output", "", "Write exported analysis to a file instead of stdout")
}

func runWorkflowCmd(cmd *cobra.Command, args []string) error {
	workflowID, docPath := args[0], args[1]
	verbosity, _ := cmd.Flags().GetCount("verbose")

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := persona.NewRegistry(database, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize persona registry")
	}
	if cfg.Personas.File != "" {
		personas, err := persona.LoadFile(cfg.Personas.File)
		if err != nil {
			return errors.Wrapf(err, "failed to load persona file %s", cfg.Personas.File)
		}
		registry.SetFilePersonas(personas)
	}

	store := workflow.NewStore(database, logger.Logger)
	if err := store.EnsureTemplates(); err != nil {
		return errors.Wrap(err, "failed to install workflow templates")
	}

	wf, err := store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(docPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read document %s", docPath)
	}

	budgetTracker := budget.NewTracker(database, budget.Config{
		DailyBudgetUSD:   cfg.Workflow.DailyBudgetUSD,
		WeeklyBudgetUSD:  cfg.Workflow.WeeklyBudgetUSD,
		MonthlyBudgetUSD: cfg.Workflow.MonthlyBudgetUSD,
		CostPerStepUSD:   cfg.Workflow.CostPerStepUSD,
	})

	engine := workflow.NewEngine(workflow.EngineConfig{
		Registry:          registry,
		Store:             store,
		Budget:            budgetTracker,
		Clients:           workflow.NewClientFactory(cfg, database, verbosity),
		MaxContextBytes:   cfg.Workflow.MaxContextBytes,
		RequestsPerMinute: cfg.Workflow.RequestsPerMinute,
		Logger:            logger.Logger,
		OnEvent:           printProgress,
	})

	pterm.Info.Printf("Running %s against %s (%d steps)\n",
		wf.Name, filepath.Base(docPath), len(wf.PersonaIDs))

	doc := workflow.Document{
		Content:  string(content),
		Filename: filepath.Base(docPath),
	}

	analysis, err := engine.Execute(context.Background(), wf, doc, runUser)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Analysis %s complete: %d steps, %d tokens, $%.4f\n",
		analysis.ID, len(analysis.Steps), analysis.TotalTokens, analysis.TotalCostUSD)
	for _, msg := range analysis.Metadata.Errors {
		pterm.Warning.Println(msg)
	}

	if runExport == "" {
		for _, step := range analysis.Steps {
			if step.Err != "" {
				continue
			}
			pterm.Println()
			pterm.Printf("=== %s ===\n", step.PersonaName)
			pterm.Println(step.Content)
		}
		return nil
	}

	out, err := analysis.Export(runExport)
	if err != nil {
		return err
	}
	if runOutput != "" {
		if err := os.WriteFile(runOutput, []byte(out), config.DefaultFilePermissions); err != nil {
			return errors.Wrapf(err, "failed to write %s", runOutput)
		}
		pterm.Success.Printf("Exported analysis to %s\n", runOutput)
		return nil
	}
	fmt.Println(out)
	return nil
}

func printProgress(event workflow.Event) {
	switch event.Type {
	case workflow.EventStepStarted:
		pterm.Printf("[%d/%d] %s...\n", event.Step, event.TotalSteps, event.PersonaName)
	case workflow.EventStepCompleted:
		if event.Err != "" {
			pterm.Warning.Printf("[%d/%d] %s failed: %s\n",
				event.Step, event.TotalSteps, event.PersonaName, event.Err)
		}
	}
}
