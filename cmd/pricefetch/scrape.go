package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-fetch/urlbuilder"
	"github.com/aluiziolira/go-price-fetch/validate"
)

func scrapeCmd(a *app) *cobra.Command {
	var (
		rawURL string
		output string
		format string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch the first page of an existing search URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query, err := queryFromURL(rawURL)
			if err != nil {
				return err
			}
			opts := &searchOptions{query: query, pages: 1, output: output, format: format}
			return a.runSearch(cmd.Context(), cmd.OutOrStdout(), opts, cmd.Flags().Changed("format"), opts.filters(cmd))
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "marketplace search URL")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format: csv, json, table, sqlite, mongodb or postgres; comma-separate to write several")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// queryFromURL accepts only marketplace search URLs that carry a query.
func queryFromURL(rawURL string) (string, error) {
	if _, err := validate.MarketplaceURL(rawURL); err != nil {
		return "", err
	}
	if !urlbuilder.IsSearchURL(rawURL) {
		return "", fmt.Errorf("only search URLs are supported: %s", rawURL)
	}
	query, ok := urlbuilder.ExtractQuery(rawURL)
	if !ok {
		return "", fmt.Errorf("could not extract a query from %s", rawURL)
	}
	return query, nil
}
