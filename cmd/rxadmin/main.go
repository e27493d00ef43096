// Package main provides rxadmin, the operator CLI for the prescription
// services.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/config"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/mongo"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/postgres"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/logging"
	"github.com/dralejandroc/MINDHUB-sub001/internal/render"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
)

// app holds what every command needs
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	actor  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "rxadmin",
		Short:        "Operate the prescription services",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.Env)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.Service(logger, "rxadmin")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.actor, "actor", "rxadmin", "actor id recorded with reads and renders")

	root.AddCommand(a.migrateCmd())
	root.AddCommand(a.topicsCmd())
	root.AddCommand(a.renderCmd())
	root.AddCommand(a.historyCmd())
	root.AddCommand(a.auditCmd())
	return root
}

func (a *app) pool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := a.cfg.Require("DATABASE_URL"); err != nil {
		return nil, err
	}
	return postgres.NewPool(ctx, a.cfg.DatabaseURL, 4, 1)
}

func (a *app) engine(pool *pgxpool.Pool) (*prescription.Engine, error) {
	signer, err := verification.NewSigner(a.cfg.VerifyBaseURL, a.cfg.VerifySecret)
	if err != nil {
		return nil, err
	}
	repo := prescription.NewRepository(pool, a.logger)
	return prescription.NewEngine(prescription.Dependencies{
		Store:     repo,
		Directory: repo,
		Renderer:  render.NewRenderer(verification.NewQREncoder()),
		Signer:    signer,
		Logger:    a.logger,
	}, prescription.DefaultConfig()), nil
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := postgres.NewMigrator(pool, postgres.Migrations(), a.logger).Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.pool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := postgres.NewMigrator(pool, postgres.Migrations(), a.logger).Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
			for _, s := range statuses {
				applied := "pending"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	})
	return cmd
}

func (a *app) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(fn func(cmd *cobra.Command, admin *redpanda.Admin, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			admin, err := redpanda.NewAdmin(a.cfg.KafkaBrokers, a.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd, admin, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin, _ []string) error {
			created, err := admin.EnsureTopics(cmd.Context(), a.cfg.KafkaReplication)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all topics exist")
				return nil
			}
			for _, t := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", t)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin, _ []string) error {
			topics, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag per topic",
		Args:  cobra.MaximumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin, args []string) error {
			group := a.cfg.ArchiverGroup
			if len(args) == 1 {
				group = args[0]
			}
			lag, err := admin.GroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			topics := make([]string, 0, len(lag))
			for t := range lag {
				topics = append(topics, t)
			}
			sort.Strings(topics)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TOPIC\tLAG (%s)\n", group)
			for _, t := range topics {
				fmt.Fprintf(w, "%s\t%d\n", t, lag[t])
			}
			return w.Flush()
		}),
	})
	return cmd
}

func (a *app) renderCmd() *cobra.Command {
	var (
		patientID string
		outDir    string
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "render [prescription-id...]",
		Short: "Render prescription documents to PDF files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && patientID == "" {
				return errors.New("pass prescription ids or --patient")
			}
			ctx := cmd.Context()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			engine, err := a.engine(pool)
			if err != nil {
				return err
			}

			ids := args
			if patientID != "" {
				list, err := engine.ListByPatient(ctx, patientID)
				if err != nil {
					return err
				}
				for _, p := range list {
					ids = append(ids, p.ID)
				}
			}

			outcomes, err := renderAll(ctx, engine, ids, outDir, a.actor, workers, a.logger)
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", o.ID, o.Err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), o.Path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "render every prescription of this patient")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent renders")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <prescription-id>",
		Short: "Print a prescription's change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			engine, err := a.engine(pool)
			if err != nil {
				return err
			}

			entries, err := engine.History(ctx, args[0], a.actor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tACTION\tACTOR\tFIELDS\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Action, e.ActorID, e.Changes.Fields(), e.Reason)
			}
			return w.Flush()
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "audit <actor-id>",
		Short: "Print an actor's archived audit records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mongoCfg := mongo.DefaultConfig()
			mongoCfg.URI = a.cfg.MongoURI
			mongoCfg.Database = a.cfg.MongoDatabase
			mongoCfg.Collection = a.cfg.MongoCollection

			client, err := mongo.Connect(ctx, mongoCfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Disconnect(context.Background()) }()

			records, err := mongo.NewArchive(client, mongoCfg, a.logger).ListByActor(ctx, args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tEVENT\tPAYLOAD")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.OccurredAt.Format(time.RFC3339), r.EventType, r.Payload)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum records")
	return cmd
}
