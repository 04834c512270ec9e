package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/mutation"
	"failsift/internal/pipeline"
	"failsift/internal/report"
	"failsift/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "failsift",
	Short: "failsift - test-failure intelligence pipeline",
	Long: `failsift watches test executions, classifies failures into recurring
patterns, deduplicates them into trackable reports, captures forensic
artifacts, and scores test suites by mutation testing.

Feed it a JSONL execution log with "failsift ingest" and query the
results with the reports/patterns/alerts subcommands.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

// ingestCmd replays a JSONL event file through the pipeline
var ingestCmd = &cobra.Command{
	Use:   "ingest [event-file]",
	Short: "Replay a JSONL execution log through the pipeline",
	Long: `Reads test lifecycle events (start, sample, end) line by line and runs
the full pipeline over them: threshold monitoring, artifact collection,
pattern classification, and report deduplication.

Example:
  failsift ingest run-2143.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

// reportsCmd lists and aggregates failure reports
var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List failure reports",
	RunE:  listReports,
}

var reportsTrendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show new-vs-recurring report activity for a trailing window",
	RunE:  showReportTrend,
}

// reportCmd operates on a single report
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect or update a single failure report",
}

var reportShowCmd = &cobra.Command{
	Use:   "show [report-id]",
	Short: "Show a report with its occurrences and comments",
	Args:  cobra.ExactArgs(1),
	RunE:  showReport,
}

var reportStatusCmd = &cobra.Command{
	Use:   "status [report-id] [open|investigating|resolved|closed]",
	Short: "Move a report to a new status",
	Long: `Status moves forward only (open -> investigating -> resolved -> closed).
"open" on a non-open report is the explicit reopen. Anything else is
rejected without touching the report.`,
	Args: cobra.ExactArgs(2),
	RunE: setReportStatus,
}

var reportCommentCmd = &cobra.Command{
	Use:   "comment [report-id] [body]",
	Short: "Append a comment to a report",
	Args:  cobra.ExactArgs(2),
	RunE:  addReportComment,
}

var reportAssignCmd = &cobra.Command{
	Use:   "assign [report-id] [assignee]",
	Short: "Assign a report to someone",
	Args:  cobra.ExactArgs(2),
	RunE:  assignReport,
}

// patternsCmd shows the pattern corpus
var patternsCmd = &cobra.Command{
	Use:   "patterns [pattern-id]",
	Short: "Show trending patterns, or one pattern in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showPatterns,
}

// alertsCmd lists threshold alerts
var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List threshold alerts in a trailing window",
	RunE:  listAlerts,
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack [alert-id]",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  ackAlert,
}

// mutateCmd runs the mutation battery
var mutateCmd = &cobra.Command{
	Use:   "mutate [battery.yaml]",
	Short: "Run the mutation battery and score the test suite",
	Long: `Generates mutants for every battery target, runs the target's test
command against each mutant in an isolated copy of the workspace, and
reports the kill ratio. Surviving mutants are fed back into the pattern
corpus as undetected-mutation patterns.

Without an argument the battery is read from .failsift/mutation/battery.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMutate,
}

// statsCmd shows store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics and the latest mutation score",
	RunE:  showStats,
}

// replayCmd drains the spill queue
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay spilled writes back into the database",
	RunE:  runReplay,
}

// cleanupCmd applies retention
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge executions, acknowledged alerts, and artifacts past retention",
	RunE:  runCleanup,
}

var (
	// reports flags
	filterStatus   string
	filterPriority string
	listLimit      int
	trendWindow    time.Duration

	// report flags
	commentAuthor string
	assignedBy    string

	// alerts flags
	alertsSince time.Duration

	// mutate flags
	mutateTimeout time.Duration
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".failsift/config.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	reportsCmd.Flags().StringVar(&filterStatus, "status", "", "Filter by status")
	reportsCmd.Flags().StringVar(&filterPriority, "priority", "", "Filter by priority")
	reportsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows")
	reportsTrendCmd.Flags().DurationVar(&trendWindow, "window", 24*time.Hour, "Trailing window")
	reportsCmd.AddCommand(reportsTrendCmd)

	reportCommentCmd.Flags().StringVar(&commentAuthor, "author", "cli", "Comment author")
	reportAssignCmd.Flags().StringVar(&assignedBy, "by", "cli", "Who performed the assignment")
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportStatusCmd)
	reportCmd.AddCommand(reportCommentCmd)
	reportCmd.AddCommand(reportAssignCmd)

	alertsCmd.Flags().DurationVar(&alertsSince, "since", 24*time.Hour, "Trailing window")
	alertsCmd.AddCommand(alertsAckCmd)

	mutateCmd.Flags().DurationVar(&mutateTimeout, "timeout", 30*time.Minute, "Overall run timeout")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(reportsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(mutateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads configuration and opens the database.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	st, err := store.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, st, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session := pipeline.NewSession(cfg, st)

	// Drain fully on SIGINT; a second signal kills us the normal way.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal, draining")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetDrainGrace())
		defer cancel()
		session.Stop(ctx)
	}()

	stats, err := session.Ingest(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.GetDrainGrace())
	defer cancel()
	if err := session.Stop(ctx); err != nil {
		logger.Warn("Drain incomplete", zap.Error(err))
	}

	fmt.Printf("Ingested %d events: %d failures, %d skipped\n",
		stats.Events, stats.Failures, stats.Skipped)
	if dropped := session.Collector().Dropped(); dropped > 0 {
		fmt.Printf("Artifact collections dropped under load: %d\n", dropped)
	}
	return nil
}

func listReports(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reports, err := st.ListReports(filterStatus, filterPriority, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}
	if len(reports) == 0 {
		fmt.Println("No reports.")
		return nil
	}

	fmt.Printf("%-36s  %-13s  %-8s  %5s  %s\n", "ID", "STATUS", "PRIORITY", "COUNT", "TEST")
	for _, r := range reports {
		fmt.Printf("%-36s  %-13s  %-8s  %5d  %s\n",
			r.ID, r.Status, r.Priority, r.OccurrenceCount, r.TestName)
	}
	return nil
}

func showReportTrend(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reporter := report.NewReporter(st, cfg.Rules)
	tw, err := reporter.Trend(time.Now(), trendWindow)
	if err != nil {
		return err
	}
	fmt.Printf("Window:      %s .. %s\n", tw.Start.Format(time.RFC3339), tw.End.Format(time.RFC3339))
	fmt.Printf("New reports: %d\n", tw.NewReports)
	fmt.Printf("Recurrences: %d\n", tw.Recurrences)
	fmt.Printf("New ratio:   %.2f\n", tw.NewRatio)
	return nil
}

func showReport(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := st.ReportByID(args[0])
	if err != nil {
		return err
	}
	if rep == nil {
		return fmt.Errorf("report %s not found", args[0])
	}

	fmt.Printf("Report:    %s\n", rep.ID)
	fmt.Printf("Test:      %s\n", rep.TestName)
	fmt.Printf("Status:    %s\n", rep.Status)
	fmt.Printf("Priority:  %s\n", rep.Priority)
	if rep.Assignee != "" {
		fmt.Printf("Assignee:  %s\n", rep.Assignee)
	}
	if rep.PatternID != "" {
		fmt.Printf("Pattern:   %s\n", rep.PatternID)
	}
	fmt.Printf("Message:   %s\n", rep.Message)
	fmt.Printf("Seen:      %d times, %s .. %s\n", rep.OccurrenceCount,
		rep.FirstSeen.Format(time.RFC3339), rep.LastSeen.Format(time.RFC3339))

	occs, err := st.OccurrencesFor(rep.ID)
	if err == nil && len(occs) > 0 {
		fmt.Printf("\nOccurrences (%d):\n", len(occs))
		for _, o := range occs {
			fmt.Printf("  %s  record=%s\n", o.OccurredAt.Format(time.RFC3339), o.RecordID)
		}
	}
	comments, err := st.CommentsFor(rep.ID)
	if err == nil && len(comments) > 0 {
		fmt.Printf("\nComments (%d):\n", len(comments))
		for _, c := range comments {
			fmt.Printf("  [%s] %s: %s\n", c.CreatedAt.Format(time.RFC3339), c.Author, c.Body)
		}
	}
	return nil
}

func setReportStatus(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reporter := report.NewReporter(st, cfg.Rules)
	switch report.Status(args[1]) {
	case report.StatusOpen:
		err = reporter.Reopen(args[0])
	case report.StatusInvestigating:
		err = reporter.Investigate(args[0])
	case report.StatusResolved:
		err = reporter.Resolve(args[0])
	case report.StatusClosed:
		err = reporter.Close(args[0])
	default:
		return fmt.Errorf("unknown status %q", args[1])
	}
	if err != nil {
		return err
	}
	fmt.Printf("Report %s moved to %s\n", args[0], args[1])
	return nil
}

func addReportComment(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reporter := report.NewReporter(st, cfg.Rules)
	if err := reporter.Comment(args[0], commentAuthor, args[1]); err != nil {
		return err
	}
	fmt.Println("Comment added.")
	return nil
}

func assignReport(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reporter := report.NewReporter(st, cfg.Rules)
	if err := reporter.Assign(args[0], args[1], assignedBy); err != nil {
		return err
	}
	fmt.Printf("Report %s assigned to %s\n", args[0], args[1])
	return nil
}

func showPatterns(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 1 {
		def, err := st.PatternByID(args[0])
		if err != nil {
			return err
		}
		if def == nil {
			return fmt.Errorf("pattern %s not found", args[0])
		}
		fmt.Printf("Pattern:     %s (%s)\n", def.ID, def.Category)
		fmt.Printf("Template:    %s\n", def.MessageTemplate)
		for _, f := range def.Frames {
			fmt.Printf("  frame: %s\n", f)
		}
		fmt.Printf("Occurrences: %d\n", def.OccurrenceCount)
		fmt.Printf("Confidence:  %.3f\n", def.Confidence)
		fmt.Printf("Trend slope: %+.3f/day (trending=%v)\n", def.TrendSlope, def.Trending)
		fmt.Printf("Seen:        %s .. %s\n",
			def.FirstSeen.Format(time.RFC3339), def.LastSeen.Format(time.RFC3339))
		return nil
	}

	trending, err := st.TrendingPatterns()
	if err != nil {
		return err
	}
	if len(trending) == 0 {
		fmt.Println("No trending patterns.")
	} else {
		fmt.Printf("Trending patterns (%d):\n", len(trending))
		for _, def := range trending {
			fmt.Printf("  %-36s  %+.2f/day  %4d hits  %s\n",
				def.ID, def.TrendSlope, def.OccurrenceCount, def.MessageTemplate)
		}
	}

	freq, err := st.FailureFrequency(10)
	if err == nil && len(freq) > 0 {
		fmt.Println("\nMost frequent failure messages:")
		for msg, count := range freq {
			fmt.Printf("  %4d  %s\n", count, msg)
		}
	}
	return nil
}

func listAlerts(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	end := time.Now()
	alerts, err := st.AlertsBetween(end.Add(-alertsSince), end)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return nil
	}

	for _, a := range alerts {
		ack := " "
		if a.Acknowledged {
			ack = "*"
		}
		fmt.Printf("%s %-36s  %-8s  %-21s  %.2f/%.2f (%.1fx)  %s\n",
			ack, a.ID, a.Severity, a.Threshold, a.Observed, a.Limit, a.Magnitude, a.TestName)
	}
	return nil
}

func ackAlert(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AcknowledgeAlert(args[0]); err != nil {
		return err
	}
	fmt.Printf("Alert %s acknowledged\n", args[0])
	return nil
}

func runMutate(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cwd := workspace
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	batteryPath := mutation.DefaultBatteryPath(cwd)
	if len(args) == 1 {
		batteryPath = args[0]
	}
	battery, err := mutation.LoadBattery(batteryPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), mutateTimeout)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	session := pipeline.NewSession(cfg, st)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.GetDrainGrace())
		defer scancel()
		session.Stop(sctx)
	}()

	score, err := session.MutationRunner().Run(ctx, battery, cwd)
	if err != nil {
		return err
	}
	if _, err := st.SaveMutationScore(score); err != nil {
		logger.Warn("Failed to persist mutation score", zap.Error(err))
	}

	fmt.Printf("Mutation score: %.2f (%d/%d killed, %d survived, %d harness errors)\n",
		score.Score, score.Killed, score.Total, score.Survived, score.HarnessErrors)
	for _, mr := range score.Survivors {
		fmt.Printf("  SURVIVED  %s:%d  %s: %s -> %s\n",
			mr.File, mr.Line, mr.Operator, mr.Original, mr.Mutated)
	}
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.GetStats()
	if err != nil {
		return err
	}
	fmt.Println("Store statistics:")
	for _, table := range []string{
		"patterns", "failures", "pattern_matches",
		"test_executions", "alerts", "metric_snapshots",
		"failure_reports", "occurrences", "assignments", "comments",
		"artifacts", "mutation_records", "mutation_runs",
	} {
		fmt.Printf("  %-18s %d\n", table, stats[table])
	}

	score, err := st.LatestMutationScore()
	if err == nil && score != nil {
		fmt.Printf("\nLatest mutation run (%s): score %.2f, %d/%d killed\n",
			score.FinishedAt.Format(time.RFC3339), score.Score, score.Killed, score.Total)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	replayed, remaining, err := st.ReplaySpilled()
	if err != nil {
		return err
	}
	fmt.Printf("Replayed %d spilled writes, %d remaining\n", replayed, remaining)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	purged, err := st.CleanupOld(cfg.Artifacts.RetentionDays)
	if err != nil {
		return err
	}
	for table, n := range purged {
		fmt.Printf("  %-18s purged %d\n", table, n)
	}
	return nil
}
