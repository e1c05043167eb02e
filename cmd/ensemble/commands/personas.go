package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/logger"
	"github.com/ensembleworks/ensemble/persona"
)

// PersonasCmd inspects analyst personas
var PersonasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Inspect available analyst personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var personasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, cleanup, err := openRegistry()
		if err != nil {
			return err
		}
		defer cleanup()

		personas := registry.List()
		pterm.Printf("%d personas available:\n\n", len(personas))
		for _, p := range personas {
			marker := ""
			if p.Builtin {
				marker = " (builtin)"
			}
			pterm.Printf("  %-24s %s%s\n", p.ID, p.Name, marker)
			if p.Description != "" {
				pterm.Printf("  %-24s %s\n", "", p.Description)
			}
		}
		return nil
	},
}

var personasShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a persona's full definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, cleanup, err := openRegistry()
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := registry.Get(args[0])
		if err != nil {
			return err
		}

		pterm.Printf("ID:           %s\n", p.ID)
		pterm.Printf("Name:         %s\n", p.Name)
		pterm.Printf("Description:  %s\n", p.Description)
		pterm.Printf("Strategy:     %s\n", p.Strategy)
		pterm.Printf("Output:       %s\n", p.OutputFormat)
		if len(p.AnalysisFocus) > 0 {
			pterm.Printf("Focus:        %s\n", strings.Join(p.AnalysisFocus, ", "))
		}
		pterm.Printf("Builtin:      %v\n", p.Builtin)
		pterm.Println("\nTemplate:")
		pterm.Println(p.PromptTemplate)
		return nil
	},
}

func init() {
	PersonasCmd.AddCommand(personasListCmd)
	PersonasCmd.AddCommand(personasShowCmd)
}

func openRegistry() (*persona.Registry, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg, "")
	if err != nil {
		return nil, nil, err
	}

	registry, err := persona.NewRegistry(database, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, errors.Wrap(err, "failed to initialize persona registry")
	}
	if cfg.Personas.File != "" {
		personas, err := persona.LoadFile(cfg.Personas.File)
		if err != nil {
			database.Close()
			return nil, nil, errors.Wrapf(err, "failed to load persona file %s", cfg.Personas.File)
		}
		registry.SetFilePersonas(personas)
	}

	return registry, func() { database.Close() }, nil
}
