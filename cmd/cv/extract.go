package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/extract"
	"github.com/zulandar/conveyor/internal/logging"
	"github.com/zulandar/conveyor/internal/store"
)

func newExtractCmd() *cobra.Command {
	var (
		configPath  string
		outDir      string
		jobID       string
		sectionText bool
	)

	cmd := &cobra.Command{
		Use:   "extract <transcript>",
		Short: "Extract artifacts from a saved model transcript",
		Long: `Runs the artifact extractor over a file holding raw model output and writes
every completed file under --out. No model, database or job is involved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, configPath, args[0], outDir, jobID, sectionText)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&outDir, "out", "o", "artifacts", "directory to write artifacts to")
	cmd.Flags().StringVar(&jobID, "job", "offline", "job id used to namespace artifact paths")
	cmd.Flags().BoolVar(&sectionText, "section-text", false, "also save prose outside file markers as <section>.md")
	return cmd
}

func runExtract(cmd *cobra.Command, configPath, path, outDir, jobID string, sectionText bool) error {
	cfg, err := loadOptionalConfig(configPath)
	if err != nil {
		return err
	}
	tok, err := tokenizerFromConfig(cfg.Extract)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	fsStore, err := store.NewFS(outDir)
	if err != nil {
		return err
	}

	sum, err := extract.Extract(cmd.Context(), extract.NewReaderStream(f, 0), store.NewArtifactSink(fsStore, jobID), extract.Options{
		Tokenizer:          tok,
		CaptureSectionText: sectionText || cfg.Extract.CaptureSectionText,
		Logger:             logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sum.Saved) == 0 {
		fmt.Fprintln(out, "No artifacts found.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SECTION\tNAME\tKIND\tBYTES\tPATH")
		for _, s := range sum.Saved {
			section := s.Section
			if section == "" {
				section = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", section, s.Name, s.Kind, formatCount(int64(s.ByteSize)), s.Location)
		}
		w.Flush()
	}
	fmt.Fprintf(out, "\nSaved %d artifacts from %d sections under %s\n", len(sum.Saved), len(sum.Sections), fsStore.Root())
	if len(sum.Incomplete) > 0 {
		fmt.Fprintf(out, "Incomplete (dropped): %s\n", strings.Join(sum.Incomplete, ", "))
	}
	return nil
}
