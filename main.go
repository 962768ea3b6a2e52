package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	anomalyapp "equipment-ops/internal/anomaly/application"
	anomalyrepo "equipment-ops/internal/anomaly/infrastructure/postgres"
	apihttp "equipment-ops/internal/api/http"
	contractsrepo "equipment-ops/internal/contracts/infrastructure/postgres"
	"equipment-ops/internal/observability/metrics"
	"equipment-ops/internal/scheduling"
	telemetryrepo "equipment-ops/internal/telemetry/infrastructure/postgres"
	usageapp "equipment-ops/internal/usage/application"
	usage "equipment-ops/internal/usage/domain"
	usagerepo "equipment-ops/internal/usage/infrastructure/postgres"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func main() {
	var rulesPath string

	rootCmd := &cobra.Command{
		Use:           "equipment-ops",
		Short:         "Usage aggregation and anomaly detection for rented equipment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "rule config YAML (overrides RULES_CONFIG)")

	rootCmd.AddCommand(serveCmd(&rulesPath))
	rootCmd.AddCommand(aggregateCmd(&rulesPath))
	rootCmd.AddCommand(detectCmd(&rulesPath))
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg        config
	logger     *log.Logger
	db         *sql.DB
	aggregator *usageapp.AggregatorJob
	detector   *anomalyapp.DetectorJob
	statistics apihttp.StatisticsReader
	anomalies  apihttp.AnomalyLister
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildApp(rulesPath string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if rulesPath != "" {
		cfg.RulesConfig = rulesPath
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	rules, err := anomalyapp.LoadConfig(cfg.RulesConfig)
	if err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	accumulator := usage.NewAccumulator(cfg.SampleInterval, cfg.FuelRatePerHour)
	a := &app{cfg: cfg, logger: logger}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	a.db = db
	metrics.Init(db, logger)

	records := telemetryrepo.NewTelemetryRepository(db, telemetryrepo.WithUnprocessedLimit(cfg.UnprocessedLimit))
	stats := usagerepo.NewStatisticsRepository(db)
	anomalies := anomalyrepo.NewAnomalyRepository(db)
	a.statistics, a.anomalies = stats, anomalies

	a.aggregator, err = usageapp.NewAggregatorJob(records, contractsrepo.NewLineRepository(db), stats, accumulator,
		usageapp.WithConcurrency(cfg.AggregationConcurrency),
		usageapp.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.detector, err = anomalyapp.NewDetectorJob(stats, records, anomalies, rules, anomalyapp.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func serveCmd(rulesPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run both jobs on their intervals and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*rulesPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler, err := scheduling.NewScheduler([]scheduling.Job{
				{
					Name:     apihttp.JobUsageAggregation,
					Interval: a.cfg.AggregationInterval,
					Run: func(ctx context.Context, now time.Time) error {
						report, err := a.aggregator.Run(ctx, now)
						if err == nil {
							a.logger.Printf("usage aggregation: processed=%d skipped=%d failed=%d conflicted=%d records=%d malformed=%d unassigned=%d",
								report.GroupsProcessed, report.GroupsSkipped, report.GroupsFailed, report.GroupsConflicted,
								report.RecordsProcessed, report.RecordsMalformed, report.RecordsUnassigned)
						}
						return err
					},
				},
				{
					Name:     apihttp.JobAnomalyDetection,
					Interval: a.cfg.DetectionInterval,
					Run: func(ctx context.Context, now time.Time) error {
						report, err := a.detector.Run(ctx, now)
						if err == nil {
							a.logger.Printf("anomaly detection: lines=%d failed=%d candidates=%d created=%d duplicates=%d",
								report.LinesEvaluated, report.LinesFailed, report.CandidatesFound,
								report.AnomaliesCreated, report.DuplicatesSuppressed)
						}
						return err
					},
				},
			}, scheduling.WithLogger(a.logger))
			if err != nil {
				return err
			}

			api, err := apihttp.NewServer(a.aggregator, a.detector, a.statistics, a.anomalies,
				apihttp.WithGuard(scheduler),
				apihttp.WithPinger(a.db),
				apihttp.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}
			server := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           api,
				ReadHeaderTimeout: 5 * time.Second,
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				scheduler.Start(ctx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			a.logger.Printf("http server listening on %s", a.cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-done
				return err
			}
			<-done
			return nil
		},
	}
}

func aggregateCmd(rulesPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Run one usage aggregation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*rulesPath)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.aggregator.Run(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func detectCmd(rulesPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one anomaly detection pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*rulesPath)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.detector.Run(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the bundled schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer db.Close()

			entries, err := migrationFiles.ReadDir("migrations")
			if err != nil {
				return err
			}
			for _, entry := range entries {
				script, err := migrationFiles.ReadFile("migrations/" + entry.Name())
				if err != nil {
					return err
				}
				if _, err := db.ExecContext(cmd.Context(), string(script)); err != nil {
					return fmt.Errorf("apply %s: %w", entry.Name(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", entry.Name())
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
