package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/price-tracker/internal/registration"
)

var (
	regURLs     []string
	regURLIDs   []int
	regFile     string
	regAll      bool
	regNew      bool
	regSitename string
	regOptions  string
	paramURLID  int64
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Start tracking URLs",
	Long:  "Activates the given URLs, creating any URL that is not stored yet. With --sitename or --options the per-URL adapter override is replaced too.",
	RunE:  runRegister,
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Stop tracking URLs",
	RunE:  runUnregister,
}

var setParamCmd = &cobra.Command{
	Use:   "set-param",
	Short: "Set the adapter override of a URL",
	RunE:  runSetParam,
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, unregisterCmd} {
		c.Flags().StringSliceVar(&regURLs, "url", nil, "URL to update (repeatable)")
		c.Flags().IntSliceVar(&regURLIDs, "url-id", nil, "Stored url id to update (repeatable)")
		c.Flags().StringVarP(&regFile, "file", "f", "", "File with one URL per line")
		c.Flags().BoolVar(&regAll, "all", false, "Update every stored URL")
	}
	registerCmd.Flags().BoolVar(&regNew, "new", false, "Activate stored URLs that were never registered")
	registerCmd.Flags().StringVar(&regSitename, "sitename", "", "Adapter to use instead of the domain default")
	registerCmd.Flags().StringVar(&regOptions, "options", "", "Adapter options as a JSON object")
	registerCmd.MarkFlagsMutuallyExclusive("all", "new")

	setParamCmd.Flags().Int64Var(&paramURLID, "url-id", 0, "Stored url id (required)")
	setParamCmd.Flags().StringVar(&regSitename, "sitename", "", "Adapter name (required)")
	setParamCmd.Flags().StringVar(&regOptions, "options", "", "Adapter options as a JSON object")
	if err := setParamCmd.MarkFlagRequired("url-id"); err != nil {
		panic(fmt.Sprintf("failed to mark url-id flag as required: %v", err))
	}
	if err := setParamCmd.MarkFlagRequired("sitename"); err != nil {
		panic(fmt.Sprintf("failed to mark sitename flag as required: %v", err))
	}

	rootCmd.AddCommand(registerCmd, unregisterCmd, setParamCmd)
}

func runRegister(cmd *cobra.Command, _ []string) error {
	options, err := parseOptions(regOptions)
	if err != nil {
		return err
	}
	var targets []registration.Target
	if !regAll && !regNew {
		if targets, err = collectTargets(regURLs, regURLIDs, regFile); err != nil {
			return err
		}
		for i := range targets {
			targets[i].Sitename = regSitename
			targets[i].Options = options
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, "register_for_updates")
	if err != nil {
		return err
	}
	defer a.Close()
	if err := checkSitename(buildRegistry(a.cfg, a.log), regSitename); err != nil {
		return err
	}
	svc := a.registrar()

	var res *registration.Result
	switch {
	case regAll:
		res, err = svc.RegisterAll(ctx)
	case regNew:
		res, err = svc.RegisterNew(ctx)
	default:
		res, err = svc.Register(ctx, targets)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runUnregister(cmd *cobra.Command, _ []string) error {
	var targets []registration.Target
	if !regAll {
		var err error
		if targets, err = collectTargets(regURLs, regURLIDs, regFile); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, "register_for_updates")
	if err != nil {
		return err
	}
	defer a.Close()
	svc := a.registrar()

	var res *registration.Result
	if regAll {
		res, err = svc.DeactivateAll(ctx)
	} else {
		res, err = svc.Deactivate(ctx, targets)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runSetParam(cmd *cobra.Command, _ []string) error {
	options, err := parseOptions(regOptions)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, "register_for_updates")
	if err != nil {
		return err
	}
	defer a.Close()
	if err := checkSitename(buildRegistry(a.cfg, a.log), regSitename); err != nil {
		return err
	}

	if err := a.registrar().SetParameter(ctx, paramURLID, regSitename, options); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "url_id %d now uses %s\n", paramURLID, regSitename)
	return nil
}

// collectTargets merges URL flags, id flags and the URL file.
func collectTargets(urls []string, ids []int, file string) ([]registration.Target, error) {
	if file != "" {
		fromFile, err := registration.ReadURLFile(file)
		if err != nil {
			return nil, err
		}
		urls = append(append([]string{}, urls...), fromFile...)
	}
	targets := make([]registration.Target, 0, len(urls)+len(ids))
	for _, u := range urls {
		targets = append(targets, registration.Target{URL: u})
	}
	for _, id := range ids {
		targets = append(targets, registration.Target{URLID: int64(id)})
	}
	if len(targets) == 0 {
		return nil, errors.New("no urls given: use --url, --url-id, --file or --all")
	}
	return targets, nil
}

// parseOptions decodes a JSON object flag. Empty means no options.
func parseOptions(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var options map[string]any
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("invalid --options: %w", err)
	}
	return options, nil
}
