package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"go-civitai-batch/index"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the local archive of completed downloads",
	Long: `Queries the full-text index over everything downloaded so far. The query
uses bleve query-string syntax, e.g.:

  civitai-batch search '+creatorName:alice +baseModel:Illustrious'
  civitai-batch search 'watercolor style'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 25, "Maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	idx, err := index.OpenOrCreate(filepath.Join(globalConfig.StateDir(), index.DefaultName))
	if err != nil {
		return err
	}
	defer idx.Close()

	query := strings.Join(args, " ")
	res, err := index.Search(idx, query, searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	fmt.Printf("%d matches (%s)\n", res.Total, res.Took)
	for _, hit := range res.Hits {
		name, _ := hit.Fields["name"].(string)
		path, _ := hit.Fields["filePath"].(string)
		creator, _ := hit.Fields["creatorName"].(string)
		base, _ := hit.Fields["baseModel"].(string)
		line := name
		if creator != "" {
			line += " by " + creator
		}
		if base != "" {
			line += " [" + base + "]"
		}
		fmt.Printf("  %s\n    %s\n", line, path)
	}
	return nil
}
