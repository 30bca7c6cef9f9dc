package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/price-tracker/internal/types"
)

var scrapeURLID int64

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape every active URL and save its prices",
	Long:  "Scrapes every URL whose notification flag is active (or only --url-id), reconciles the listings and stores them as price logs. The run is recorded in the activity ledger.",
	RunE:  runScrape,
}

func init() {
	scrapeCmd.Flags().Int64Var(&scrapeURLID, "url-id", 0, "Scrape only this url id")
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, "update_urls")
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	var urlID *int64
	if cmd.Flags().Changed("url-id") {
		urlID = &scrapeURLID
	}
	res, err := d.ScrapeAndSaveTargetURLs(ctx, callerUser, urlID)
	if err != nil {
		return fmt.Errorf("scrape run failed: %w", err)
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return runExitError(res)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runExitError turns a finished run into the command's error, so scripts can
// tell a locked or failed run from a clean one.
func runExitError(res *types.RunResult) error {
	switch {
	case res.Locked:
		return fmt.Errorf("run skipped: %s", res.ErrorMsg)
	case res.State == types.StateFailed:
		return fmt.Errorf("run %d failed", res.ActivityLogID)
	default:
		return nil
	}
}
