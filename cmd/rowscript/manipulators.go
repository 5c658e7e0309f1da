package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/rowscript/internal/manipulators"
)

func newManipulatorsCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "manipulators",
		Short: "List the string manipulation functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listManipulators(cmd.OutOrStdout(), manipulators.Default(), category)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list this category")
	return cmd
}

func listManipulators(out io.Writer, c *manipulators.Catalog, category string) error {
	if category != "" && !slices.Contains(c.Categories(), category) {
		return fmt.Errorf("unknown category %q, expected one of %s", category, strings.Join(c.Categories(), ", "))
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tFUNCTION\tRETURNS\tDESCRIPTION")
	for _, m := range c.List(category) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Category(), m.DisplayName(), m.ReturnType(), m.Description())
	}
	return w.Flush()
}
