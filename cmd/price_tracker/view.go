package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonathan/price-tracker/internal/registration"
	"github.com/jonathan/price-tracker/internal/types"
)

const errorColumnWidth = 60

var (
	viewTarget   string
	logsTypes    []string
	logsStates   []string
	logsCaller   string
	logsTargetID string
	logsErrors   bool
	logsLimit    int
	logsJSON     bool
)

var urlsCmd = &cobra.Command{
	Use:   "urls",
	Short: "List stored URLs with their tracking flag",
	RunE:  runURLs,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show activity log rows in id order",
	RunE:  runLogs,
}

func init() {
	urlsCmd.Flags().StringVar(&viewTarget, "target", string(registration.ViewAll), "all, active or inactive")

	f := logsCmd.Flags()
	f.StringSliceVar(&logsTypes, "type", nil, "Activity type (repeatable)")
	f.StringSliceVar(&logsStates, "state", nil, "State (repeatable)")
	f.StringVar(&logsCaller, "caller", "", "Caller type")
	f.StringVar(&logsTargetID, "target-id", "", "Target id")
	f.BoolVar(&logsErrors, "errors", false, "Only rows with an error message")
	f.IntVar(&logsLimit, "limit", 50, "Maximum rows")
	f.BoolVar(&logsJSON, "json", false, "Print JSON instead of a table")

	rootCmd.AddCommand(urlsCmd, logsCmd)
}

func runURLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, "view_urls")
	if err != nil {
		return err
	}
	defer a.Close()

	urls, err := a.registrar().View(ctx, registration.ViewTarget(viewTarget))
	if err != nil {
		return err
	}
	renderURLs(cmd.OutOrStdout(), urls)
	return nil
}

func runLogs(cmd *cobra.Command, _ []string) error {
	filter, err := logsFilter()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, "view_log")
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.ledger.List(ctx, filter)
	if err != nil {
		return err
	}
	if logsJSON {
		return printJSON(cmd.OutOrStdout(), logs)
	}
	renderActivityLogs(cmd.OutOrStdout(), logs)
	return nil
}

func logsFilter() (types.ActivityLogFilter, error) {
	filter := types.ActivityLogFilter{
		ActivityTypes: logsTypes,
		CallerType:    logsCaller,
		TargetID:      logsTargetID,
		IsError:       logsErrors,
		Limit:         logsLimit,
	}
	for _, s := range logsStates {
		state := types.ActivityState(strings.ToUpper(s))
		if !state.Valid() {
			return filter, fmt.Errorf("unknown state %q", s)
		}
		filter.States = append(filter.States, state)
	}
	return filter, nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderURLs(w io.Writer, urls []registration.URLStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "URL", "Active"})
	for _, u := range urls {
		t.AppendRow(table.Row{u.ID, u.URL, u.IsActive})
	}
	t.AppendFooter(table.Row{"Total", len(urls), ""})
	t.Render()
}

func renderActivityLogs(w io.Writer, logs []types.ActivityLog) {
	t := newTable(w)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, WidthMax: errorColumnWidth},
	})
	t.AppendHeader(table.Row{"ID", "Type", "Target", "State", "Caller", "Updated", "Error"})
	for _, l := range logs {
		target := l.TargetID
		if l.TargetTable != "" && l.TargetTable != "None" {
			target = l.TargetTable + ":" + target
		}
		t.AppendRow(table.Row{
			strconv.FormatInt(l.ID, 10),
			l.ActivityType,
			target,
			string(l.CurrentState),
			l.CallerType,
			l.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
			l.ErrorMsg,
		})
	}
	t.AppendFooter(table.Row{"Total", len(logs)})
	t.Render()
}
