package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/price-tracker/internal/notify"
)

// windowLayout is the format of the --start-*/--end-* flags.
const windowLayout = "2006/01/02 15:04:05"

var jst = time.FixedZone("JST", 9*60*60)

var (
	notifyStartUTC string
	notifyStartJST string
	notifyEndUTC   string
	notifyEndJST   string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send new price logs to the catalog API",
	Long: `Sends the price logs of every active URL to the catalog API.

Without a start or end the window starts right after the last successful
send run, or at default_range when there is none.`,
	RunE: runNotify,
}

func init() {
	f := notifyCmd.Flags()
	f.StringVar(&notifyStartUTC, "start-utc", "", `Window start in UTC, "yyyy/mm/dd HH:MM:SS"`)
	f.StringVar(&notifyStartJST, "start-jst", "", `Window start in JST, "yyyy/mm/dd HH:MM:SS"`)
	f.StringVar(&notifyEndUTC, "end-utc", "", `Window end in UTC, "yyyy/mm/dd HH:MM:SS"`)
	f.StringVar(&notifyEndJST, "end-jst", "", `Window end in JST, "yyyy/mm/dd HH:MM:SS"`)
	notifyCmd.MarkFlagsMutuallyExclusive("start-utc", "start-jst")
	notifyCmd.MarkFlagsMutuallyExclusive("end-utc", "end-jst")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, _ []string) error {
	window, err := parseWindow(notifyStartUTC, notifyStartJST, notifyEndUTC, notifyEndJST)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, "notify_to_api")
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.syncer()
	if err != nil {
		return err
	}
	res, err := s.SendTargetURLsToAPI(ctx, window, callerUser)
	if err != nil {
		return fmt.Errorf("send run failed: %w", err)
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return runExitError(res)
}

// parseWindow builds a window from the UTC and JST flag values. At most one of
// each pair is set.
func parseWindow(startUTC, startJST, endUTC, endJST string) (notify.Window, error) {
	var w notify.Window
	var err error
	if w.Start, err = parseWindowTime(startUTC, startJST); err != nil {
		return w, fmt.Errorf("invalid start: %w", err)
	}
	if w.End, err = parseWindowTime(endUTC, endJST); err != nil {
		return w, fmt.Errorf("invalid end: %w", err)
	}
	if w.Start != nil && w.End != nil && w.End.Before(*w.Start) {
		return w, fmt.Errorf("end %s is before start %s", w.End, w.Start)
	}
	return w, nil
}

func parseWindowTime(utc, local string) (*time.Time, error) {
	var (
		t   time.Time
		err error
	)
	switch {
	case utc != "":
		t, err = time.ParseInLocation(windowLayout, utc, time.UTC)
	case local != "":
		t, err = time.ParseInLocation(windowLayout, local, jst)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
