// Command riskctl manages the alert log from the command line: list and
// summarise alerts, acknowledge them singly or in bulk, and purge old
// acknowledged entries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/logger"
	"github.com/meridianfs/riskwatch/pkg/models"
)

func usage() {
	fmt.Fprint(os.Stderr, `Usage: riskctl <command> [flags]

Commands:
  list      list alerts, unacknowledged ones by default
  summary   show alert counts grouped by severity and type
  ack       acknowledge a single alert by id
  ack-all   acknowledge every alert matching the filters
  cleanup   delete acknowledged alerts older than a cutoff

Run 'riskctl <command> -h' for the flags of a command.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "help", "-h", "--help":
		usage()
		return
	case "list", "summary", "ack", "ack-all", "cleanup":
	default:
		fmt.Fprintf(os.Stderr, "riskctl: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := store.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := store.AutoMigrate(db); err != nil {
		zapLogger.Fatal("failed to migrate database", zap.Error(err))
	}
	st := store.New(zapLogger, db)

	ctx := context.Background()

	switch cmd {
	case "list":
		err = runList(ctx, st, args)
	case "summary":
		err = runSummary(ctx, st)
	case "ack":
		err = runAck(ctx, st, args)
	case "ack-all":
		err = runAckAll(ctx, st, args)
	case "cleanup":
		err = runCleanup(ctx, st, args)
	}
	if err != nil {
		log.Fatalf("riskctl %s: %v", cmd, err)
	}
}

func runList(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	severity := fs.String("severity", "", "filter by severity (LOW, MEDIUM, HIGH, CRITICAL)")
	alertType := fs.String("type", "", "filter by alert type, e.g. HIGH_CLIENT_EXPOSURE")
	entityType := fs.String("entity-type", "", "filter by entity type (CLIENT, SYMBOL, SYSTEM)")
	entityID := fs.String("entity", "", "filter by entity id, e.g. CLIENT_007")
	all := fs.Bool("all", false, "include acknowledged alerts")
	since := fs.Duration("since", 0, "only alerts newer than this, e.g. 24h")
	limit := fs.Int("limit", 100, "maximum number of rows")
	fs.Parse(args)

	filter, err := buildFilter(*severity, *alertType, *entityType, *entityID)
	if err != nil {
		return err
	}
	filter.Limit = *limit
	if !*all {
		unacked := false
		filter.Acknowledged = &unacked
	}
	if *since > 0 {
		filter.Since = time.Now().UTC().Add(-*since)
	}

	alerts, err := st.ListAlerts(ctx, filter)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("No matching alerts.")
		return nil
	}

	title := "UNACKNOWLEDGED ALERTS"
	if *all {
		title = "ALERTS"
	}
	if filter.Severity != "" {
		title += fmt.Sprintf(" (%s)", filter.Severity)
	}
	renderAlerts(title, alerts)
	return nil
}

func runSummary(ctx context.Context, st *store.Store) error {
	summary, err := st.Summary(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("ALERT SUMMARY")
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Total", summary.Total},
		{"Unacknowledged", summary.Unacknowledged},
	})

	if len(summary.BySeverity) > 0 {
		t.AppendSeparator()
		severities := make([]models.Severity, 0, len(summary.BySeverity))
		for sev := range summary.BySeverity {
			severities = append(severities, sev)
		}
		sort.Slice(severities, func(i, j int) bool { return severities[i].Rank() > severities[j].Rank() })
		for _, sev := range severities {
			t.AppendRow(table.Row{sev, summary.BySeverity[sev]})
		}
	}

	if len(summary.ByType) > 0 {
		t.AppendSeparator()
		types := make([]models.AlertType, 0, len(summary.ByType))
		for at := range summary.ByType {
			types = append(types, at)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, at := range types {
			t.AppendRow(table.Row{at, summary.ByType[at]})
		}
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 26, Align: text.AlignLeft},
		{Number: 2, WidthMin: 8, Align: text.AlignRight},
	})
	t.Render()
	return nil
}

func runAck(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	by := fs.String("by", "riskctl", "who is acknowledging")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("usage: riskctl ack [-by user] <alert-id>")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid alert id %q: %w", fs.Arg(0), err)
	}

	alert, err := st.AcknowledgeAlert(ctx, id, *by)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("no alert with id %s", id)
	}
	if err != nil {
		return err
	}

	if alert.AcknowledgedBy != "" && alert.AcknowledgedBy != *by {
		fmt.Printf("Alert %s was already acknowledged by %s\n", id, alert.AcknowledgedBy)
		return nil
	}
	fmt.Printf("Alert %s acknowledged by %s\n", id, *by)
	return nil
}

func runAckAll(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("ack-all", flag.ExitOnError)
	severity := fs.String("severity", "", "filter by severity (LOW, MEDIUM, HIGH, CRITICAL)")
	alertType := fs.String("type", "", "filter by alert type, e.g. HIGH_CLIENT_EXPOSURE")
	entityType := fs.String("entity-type", "", "filter by entity type (CLIENT, SYMBOL, SYSTEM)")
	entityID := fs.String("entity", "", "filter by entity id, e.g. CLIENT_007")
	olderThan := fs.Duration("older-than", 0, "only alerts older than this, e.g. 1h")
	by := fs.String("by", "riskctl", "who is acknowledging")
	fs.Parse(args)

	filter, err := buildFilter(*severity, *alertType, *entityType, *entityID)
	if err != nil {
		return err
	}
	if *olderThan > 0 {
		filter.Until = time.Now().UTC().Add(-*olderThan)
	}

	count, err := st.AcknowledgeAll(ctx, filter, *by)
	if err != nil {
		return err
	}
	fmt.Printf("Acknowledged %d alerts\n", count)
	return nil
}

func runCleanup(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", 30, "delete acknowledged alerts older than this many days")
	fs.Parse(args)

	if *days < 1 {
		return errors.New("-days must be at least 1")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -*days)

	deleted, err := st.DeleteAcknowledgedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d acknowledged alerts older than %d days\n", deleted, *days)
	return nil
}

// buildFilter normalises the shared filter flags. Severity is validated
// because it is a closed enum; alert and entity types are passed through and
// simply match nothing when misspelled.
func buildFilter(severity, alertType, entityType, entityID string) (store.AlertFilter, error) {
	filter := store.AlertFilter{
		Severity:   models.Severity(strings.ToUpper(severity)),
		AlertType:  models.AlertType(strings.ToUpper(alertType)),
		EntityType: models.EntityType(strings.ToUpper(entityType)),
		EntityID:   entityID,
	}
	if filter.Severity != "" && filter.Severity.Rank() < 0 {
		return store.AlertFilter{}, fmt.Errorf("unknown severity %q", severity)
	}
	return filter, nil
}

func renderAlerts(title string, alerts []models.Alert) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "TIME (UTC)", "SEVERITY", "TYPE", "ENTITY", "MESSAGE", "ACK"})

	for _, a := range alerts {
		t.AppendRow(table.Row{
			a.ID,
			a.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			a.Severity,
			a.AlertType,
			fmt.Sprintf("%s %s", a.EntityType, a.EntityID),
			a.Message,
			ackStatus(a),
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: 24},
		{Number: 6, WidthMax: 56},
		{Number: 7, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Printf("%d alerts\n", len(alerts))
}

func ackStatus(a models.Alert) string {
	if !a.Acknowledged {
		return "no"
	}
	if a.AcknowledgedBy != "" {
		return "by " + a.AcknowledgedBy
	}
	return "yes"
}
