package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/diagnostic-triage-engine/internal/audit"
	"github.com/diagnostic-triage-engine/internal/config"
	"github.com/diagnostic-triage-engine/internal/database"
	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/engine"
	"github.com/diagnostic-triage-engine/internal/health"
	"github.com/diagnostic-triage-engine/internal/intake"
	"github.com/diagnostic-triage-engine/internal/knowledge"
	"github.com/diagnostic-triage-engine/internal/repository"
	"github.com/diagnostic-triage-engine/internal/service"
)

// app carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	configFile string
	envFile    string

	config *domain.Config
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "diagnose",
		Short:         "Multi-agent symptom triage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "Path to config file (default: ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Dotenv file loaded before configuration")

	rootCmd.AddCommand(a.assessCmd())
	rootCmd.AddCommand(a.rulesCmd())
	rootCmd.AddCommand(a.conditionsCmd())
	rootCmd.AddCommand(a.interactionsCmd())
	rootCmd.AddCommand(a.schemaCmd())
	rootCmd.AddCommand(a.migrateCmd())
	rootCmd.AddCommand(a.seedCmd())
	rootCmd.AddCommand(a.auditCmd())
	rootCmd.AddCommand(a.feedbackCmd())
	rootCmd.AddCommand(a.healthCmd())
	return rootCmd
}

func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", a.envFile, err)
		}
	}

	manager, err := config.NewManager(a.configFile)
	if err != nil {
		return err
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	a.config = manager.GetConfig()
	a.logger = engine.NewLogger(a.config.Logging)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (a *app) assessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess [request.json]",
		Short: "Assess one request read from a file or stdin and print the result as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			decoder, err := intake.NewDecoder()
			if err != nil {
				return err
			}
			req, err := decoder.Decode(in)
			if err != nil {
				_ = writeJSON(cmd.OutOrStdout(), domain.ToDiagnosticError(err, ""))
				return err
			}

			e, err := engine.New(cmd.Context(), a.config, a.logger)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Diagnose(cmd.Context(), req)
			if err != nil {
				_ = writeJSON(cmd.OutOrStdout(), domain.ToDiagnosticError(err, ""))
				return err
			}
			e.Metrics.LogSummary()
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the ordered red-flag rule set with weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := engine.LoadCatalog(cmd.Context(), a.config, a.logger)
			if err != nil {
				return err
			}
			defer catalog.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tWEIGHT\tNAME")
			for i, rule := range catalog.Rules() {
				fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\n", i+1, rule.ID, rule.Weight, rule.Name)
			}
			return tw.Flush()
		},
	}
}

func (a *app) conditionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conditions",
		Short: "List the conditions of the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := engine.LoadCatalog(cmd.Context(), a.config, a.logger)
			if err != nil {
				return err
			}
			defer catalog.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tICD\tSYSTEM\tSYMPTOMS\tGUIDELINE")
			for _, cond := range catalog.Conditions() {
				_, hasGuideline := catalog.Guideline(cond.ID)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
					cond.ID, cond.Name, cond.ICDCode, cond.BodySystem, len(cond.Symptoms), hasGuideline)
			}
			return tw.Flush()
		},
	}
}

func (a *app) interactionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactions <medication> <medication>...",
		Short: "Check a medication list for adverse interactions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := engine.LoadCatalog(cmd.Context(), a.config, a.logger)
			if err != nil {
				return err
			}
			defer catalog.Close()

			retriever := service.NewTreatmentRetrieverService(catalog, catalog, a.config.Engine.Treatment, a.logger)
			found := retriever.CheckMedications(args)
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no known interactions")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEVERITY\tDRUG A\tDRUG B\tDESCRIPTION")
			for _, in := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", in.Severity, in.DrugA, in.DrugB, in.Description)
			}
			return tw.Flush()
		},
	}
}

func (a *app) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of assessment requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(intake.Schema())
			return err
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres knowledge and audit schema",
	}

	withRunner := func(fn func(cmd *cobra.Command, runner *database.MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			runner, err := database.NewMigrationRunner(database.URL(a.config.Database), a.logger)
			if err != nil {
				return err
			}
			defer runner.Close()
			return fn(cmd, runner)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
			return runner.Up(cmd.Context())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
			return runner.Down(cmd.Context())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
			version, dirty, err := runner.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		}),
	})
	return cmd
}

func (a *app) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Import the embedded seed knowledge base into Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := knowledge.DefaultSeed()
			if err != nil {
				return err
			}
			if _, err := knowledge.NewCatalog(seed); err != nil {
				return fmt.Errorf("embedded seed is invalid: %w", err)
			}

			db, err := database.NewConnection(cmd.Context(), a.config.Database, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.NewKnowledgeRepository(db.Pool, a.logger).Import(cmd.Context(), seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d conditions, %d guidelines, %d red-flag rules\n",
				len(seed.Conditions), len(seed.Guidelines), len(seed.RedFlags))
			return nil
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Export every audit record as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := audit.Open(a.config.Audit)
			if err != nil {
				return err
			}
			defer store.Close()
			return audit.ExportJSON(cmd.Context(), store, cmd.OutOrStdout())
		},
	})
	return cmd
}

func (a *app) feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record and review user ratings of assessments",
	}

	var (
		rating  int
		comment string
	)
	submit := &cobra.Command{
		Use:   "submit <request-id>",
		Short: "Rate one assessment from 1 (not useful) to 5 (very useful)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := audit.Open(a.config.Audit)
			if err != nil {
				return err
			}
			defer store.Close()

			fb := domain.Feedback{RequestID: args[0], Rating: rating, Comment: comment, CreatedAt: time.Now().UTC()}
			if err := store.RecordFeedback(cmd.Context(), fb); err != nil {
				return err
			}
			a.logger.WithFields(logrus.Fields{"request_id": fb.RequestID, "rating": fb.Rating}).Info("Feedback recorded")
			fmt.Fprintf(cmd.OutOrStdout(), "recorded feedback for %s\n", fb.RequestID)
			return nil
		},
	}
	submit.Flags().IntVar(&rating, "rating", 0, "Rating from 1 to 5")
	submit.Flags().StringVar(&comment, "comment", "", "Optional free-text comment")
	_ = submit.MarkFlagRequired("rating")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "list [request-id]",
		Short: "List feedback, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := audit.Open(a.config.Audit)
			if err != nil {
				return err
			}
			defer store.Close()

			requestID := ""
			if len(args) == 1 {
				requestID = args[0]
			}
			feedback, err := store.ListFeedback(cmd.Context(), requestID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REQUEST\tRATING\tCREATED\tCOMMENT")
			for _, fb := range feedback {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", fb.RequestID, fb.Rating, fb.CreatedAt.Format(time.RFC3339), fb.Comment)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the knowledge base, embedding capability, audit store and cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.New(cmd.Context(), a.config, a.logger)
			if err != nil {
				return err
			}
			defer e.Close()

			status := e.Health(cmd.Context(), timeout)
			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if status.Overall == health.StateUnhealthy {
				return errors.New("engine is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Deadline for all checks")
	return cmd
}
