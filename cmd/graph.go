package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrelsec/kestrel/api/schemas"
)

var (
	searchTypes   []string
	searchLimit   int
	subgraphDepth int
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query the cross-investigation knowledge graph.",
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node and edge counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.graph.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var graphSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search entities by key substring.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		types := make([]schemas.EntityType, 0, len(searchTypes))
		for _, t := range searchTypes {
			types = append(types, schemas.EntityType(strings.ToUpper(t)))
		}
		nodes, err := a.graph.SearchEntities(cmd.Context(), args[0], types, searchLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, nodes)
	},
}

var graphSubgraphCmd = &cobra.Command{
	Use:   "subgraph [type] [key]",
	Short: "Show the neighborhood of an entity.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		ref := schemas.NodeRef{Type: schemas.EntityType(strings.ToUpper(args[0])), Key: args[1]}
		sub, err := a.graph.Subgraph(cmd.Context(), ref, subgraphDepth)
		if err != nil {
			return fmt.Errorf("subgraph for %s/%s: %w", ref.Type, ref.Key, err)
		}
		return printJSON(cmd, sub)
	},
}

var graphInvestigationsCmd = &cobra.Command{
	Use:   "investigations [type] [key]",
	Short: "List investigations that touched an entity.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		ref := schemas.NodeRef{Type: schemas.EntityType(strings.ToUpper(args[0])), Key: args[1]}
		nodes, err := a.graph.InvestigationsFor(cmd.Context(), ref)
		if err != nil {
			return err
		}
		return printJSON(cmd, nodes)
	},
}

func init() {
	graphSearchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "restrict to entity types, repeatable")
	graphSearchCmd.Flags().IntVar(&searchLimit, "limit", 25, "maximum results")
	graphSubgraphCmd.Flags().IntVar(&subgraphDepth, "depth", 2, "traversal depth in hops")

	graphCmd.AddCommand(graphStatsCmd)
	graphCmd.AddCommand(graphSearchCmd)
	graphCmd.AddCommand(graphSubgraphCmd)
	graphCmd.AddCommand(graphInvestigationsCmd)
	rootCmd.AddCommand(graphCmd)
}
