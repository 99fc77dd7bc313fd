package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/chunk"
	"github.com/zulandar/conveyor/internal/config"
	"github.com/zulandar/conveyor/internal/input"
)

func newPlanCmd() *cobra.Command {
	var (
		configPath string
		maxChars   int
		overlap    int
	)

	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show how a document would be chunked",
		Long:  "Plans chunks for the file without calling the model. Limits come from the config file when present; flags override them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, configPath, args[0], maxChars, overlap)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "maximum characters per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", -1, "characters repeated from the previous chunk")
	return cmd
}

// loadOptionalConfig loads configPath, falling back to the built-in
// defaults when the file does not exist.
func loadOptionalConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runPlan(cmd *cobra.Command, configPath, path string, maxChars, overlap int) error {
	cfg, err := loadOptionalConfig(configPath)
	if err != nil {
		return err
	}
	if maxChars <= 0 {
		maxChars = cfg.Chunking.MaxChunkChars
	}
	if overlap < 0 {
		overlap = cfg.Chunking.OverlapChars
		if overlap >= maxChars {
			overlap = maxChars / 20
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	text, latin1 := input.Decode(data)

	chunks, err := chunk.Plan(text, maxChars, overlap)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	encoding := ""
	if latin1 {
		encoding = " (decoded as ISO 8859-1)"
	}
	fmt.Fprintf(out, "Input:  %s chars, ~%s tokens%s\n",
		formatCount(int64(len([]rune(text)))), formatCount(int64(chunk.EstimateTokens(text))), encoding)
	fmt.Fprintf(out, "Plan:   %d chunks (max %s, overlap %s)\n\n",
		len(chunks), formatCount(int64(maxChars)), formatCount(int64(overlap)))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHUNK\tRANGE\tCHARS\tOVERLAP\tTOKENS\tKEY")
	for _, c := range chunks {
		fmt.Fprintf(w, "%d/%d\t%d-%d\t%s\t%d\t%s\t%s\n",
			c.Index+1, c.Total, c.Start, c.End, formatCount(int64(c.Len())), c.OverlapWithPrevious,
			formatCount(int64(chunk.EstimateTokens(c.Text))), chunk.ObjectKey(c))
	}
	w.Flush()
	return nil
}
