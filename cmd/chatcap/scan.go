package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

func newScanCmd(a *app) *cobra.Command {
	var file, url, title string
	var save bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Deep scan a saved HTML page and print the record as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open page: %w", err)
			}
			defer f.Close()

			page, err := extractor.ParsePage(f, url, title, time.Time{})
			if err != nil {
				return err
			}
			ext, err := a.newExtractor()
			if err != nil {
				return err
			}
			rec, err := ext.DeepExtract(page)
			if err != nil {
				return err
			}

			if save {
				st, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer st.Close()
				res, err := st.StoreScan(cmd.Context(), rec)
				if err != nil {
					return err
				}
				rec.ID = res.ID
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the rendered HTML page")
	cmd.Flags().StringVar(&url, "url", "", "URL the page was captured from")
	cmd.Flags().StringVar(&title, "title", "", "Page title (default: the document title)")
	cmd.Flags().BoolVar(&save, "save", false, "Store the record as well as printing it")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
