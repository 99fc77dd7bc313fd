package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/input"
	"github.com/zulandar/conveyor/internal/tracing"
)

func newSubmitCmd() *cobra.Command {
	var (
		configPath string
		run        bool
	)

	cmd := &cobra.Command{
		Use:   "submit <file|dir>...",
		Short: "Submit documents as a new job",
		Long: "Uploads the input to the object store and creates a PENDING job for it. Several files, or the files of a directory, " +
			"are combined into one input with a FILE header per document. With --run the job is processed in the foreground.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, configPath, args, run)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&run, "run", false, "process the job immediately instead of leaving it for the daemon")
	return cmd
}

func runSubmit(cmd *cobra.Command, configPath string, args []string, run bool) error {
	paths, err := expandInputs(args)
	if err != nil {
		return err
	}
	var single []byte
	one := len(paths) == 1
	if one {
		single, err = os.ReadFile(paths[0])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}

	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	r, err := a.runner()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var id string
	if one {
		id, err = r.Submit(ctx, filepath.Base(paths[0]), single)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Submitted job %s (%s bytes)\n", id, formatCount(int64(len(single))))
	} else {
		files := make([]input.File, len(paths))
		for i, p := range paths {
			data, err := os.ReadFile(p)
			files[i] = input.File{Name: filepath.Base(p), Data: data, Err: err}
		}
		var b input.Bundle
		id, b, err = r.SubmitMany(ctx, files)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Submitted job %s (%d files, %s chars)\n", id, len(b.Files), formatCount(int64(utf8.RuneCountInString(b.Text))))
		for _, name := range b.Skipped {
			fmt.Fprintf(out, "  skipped %s\n", name)
		}
	}
	if !run {
		return nil
	}

	job, err := r.Run(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printJob(out, job)
	return nil
}

// expandInputs replaces each directory argument with the regular,
// non-hidden files directly inside it, in name order.
func expandInputs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read input dir: %w", err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files in %s", strings.Join(args, ", "))
	}
	return paths, nil
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Process a pending job in the foreground",
		Long:  "Claims the PENDING job and runs it through chunking, extraction and validation, then prints its final state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runRun(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	r, err := a.runner()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTracing(ctx, a)
	if err != nil {
		return err
	}
	defer shutdown()

	job, err := r.Run(ctx, id)
	if err != nil {
		return err
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

const flushTimeout = 5 * time.Second

// initTracing installs the configured tracer provider and returns a
// function that flushes it.
func initTracing(ctx context.Context, a *app) (func(), error) {
	shutdown, err := tracing.Init(ctx, a.cfg.Tracing, "conveyor")
	if err != nil {
		return nil, err
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.log.Warn("tracing.shutdown", "error", err)
		}
	}, nil
}
