package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Chunk, embed and index the .txt files of a directory",
	Long:  "Reads pre-extracted .txt documents, splits them on markdown headings and fixed windows, embeds the chunks and writes them to the configured index. Prints a JSON report.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	a := newApp(cfg, logger, reporter)
	defer a.Close()

	if err := a.initIndex(cmd.Context()); err != nil {
		return err
	}
	report, err := a.ingestor.IngestDirectory(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
