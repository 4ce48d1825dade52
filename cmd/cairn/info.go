package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cairn/internal/objstore"
	"cairn/internal/pagestore"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Print store metadata and table summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, args[0])
		},
	}
}

func runInfo(cmd *cobra.Command, path string) error {
	store, _, err := pagestore.Open(path, pagestore.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	meta := store.Meta()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "path:           %s\n", store.Path())
	fmt.Fprintf(out, "page size:      %d\n", pagestore.PageSize)
	fmt.Fprintf(out, "pages:          %d\n", meta.PageCount)
	fmt.Fprintf(out, "version:        %d\n", meta.Version)
	fmt.Fprintf(out, "schema version: %d\n", meta.SchemaVersion)

	cat, err := objstore.LoadCatalog(store, meta.Root)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tables:         %d\n", len(cat.Tables()))
	for _, ti := range cat.Tables() {
		fmt.Fprintf(out, "  %-24s rows=%d next=%d\n", ti.Name, ti.Live, ti.NextRow)
	}
	return nil
}
