package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thala-research/thala/internal/app"
	"github.com/thala-research/thala/internal/models"
)

// runHealth prints the per-backend report and fails when any backend is
// down, so the exit code is scriptable.
func runHealth(ctx context.Context, application *app.App) error {
	status := application.Health(ctx)

	fmt.Println("Storage backends:")
	for _, backend := range status.Backends {
		state := "ok"
		if !backend.Healthy {
			state = "FAIL"
		}
		line := fmt.Sprintf("  %-20s %-5s %5dms", backend.Name, state, backend.LatencyMs)
		if backend.Error != "" {
			line += "  " + backend.Error
		}
		fmt.Println(line)
	}

	if !status.Healthy {
		return fmt.Errorf("one or more storage backends are unhealthy")
	}
	fmt.Println("All backends healthy")
	return nil
}

// runIngest processes a single input through the document pipeline. A
// path to an existing file is read as raw markdown; anything else is
// passed through for URL/DOI resolution.
func runIngest(ctx context.Context, application *app.App, input, title string) error {
	if application.Processor == nil {
		return fmt.Errorf("ingestion needs the LLM gateway and an embedding engine; check provider keys")
	}

	if content, err := os.ReadFile(input); err == nil {
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		}
		input = string(content)
	}

	state, err := application.Processor.ProcessDocument(ctx, input, title)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	logger.Info().
		Str("run_id", state.RunID).
		Str("title", state.Title).
		Str("bib_key", state.BibKey).
		Str("l0_id", state.L0ID).
		Int("words", state.WordCount).
		Msg("Document ingested")
	for _, msg := range state.Errors {
		logger.Warn().Str("run_id", state.RunID).Msg(msg)
	}
	return nil
}

// runBatch ingests every input listed in a file, one per line. Blank
// lines and #-comments are skipped.
func runBatch(ctx context.Context, application *app.App, path string) error {
	if application.Processor == nil {
		return fmt.Errorf("ingestion needs the LLM gateway and an embedding engine; check provider keys")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open batch file: %w", err)
	}
	defer file.Close()

	var inputs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inputs = append(inputs, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("batch file %s holds no inputs", path)
	}

	results, err := application.Processor.ProcessDocumentsBatch(ctx, inputs, config.Pipeline.IngestConcurrency)
	if err != nil {
		return fmt.Errorf("batch ingest failed: %w", err)
	}

	completed := 0
	for _, result := range results {
		if result.Status == "completed" {
			completed++
			continue
		}
		logger.Warn().
			Str("input", result.Input).
			Strs("errors", result.Errors).
			Msg("Document failed")
	}
	logger.Info().
		Int("completed", completed).
		Int("failed", len(results)-completed).
		Msg("Batch ingest finished")

	if completed == 0 {
		return fmt.Errorf("every document in the batch failed")
	}
	return nil
}

// runReview reads a draft, runs the selected loops, post-processes
// numeric citations, and writes the result either beside the draft or
// through the exporter.
func runReview(ctx context.Context, application *app.App, path string) error {
	if application.Review == nil {
		return fmt.Errorf("review needs the LLM gateway and an embedding engine; check provider keys")
	}

	loops := models.LoopSelection(*loopsFlag)
	switch loops {
	case models.LoopsNone, models.LoopsOne, models.LoopsTwo, models.LoopsThree, models.LoopsFour, models.LoopsAll:
	default:
		return fmt.Errorf("invalid -loops value %q", *loopsFlag)
	}

	draft, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read draft: %w", err)
	}

	// Keys already cited in the draft are treated as corpus keys;
	// verify_all in config still forces bib lookups for all of them.
	state := &models.ReviewState{
		CurrentReview: string(draft),
		ZoteroKeys:    models.ExtractCitationKeys(string(draft)),
	}

	result, err := application.Review.Run(ctx, state, loops)
	if err != nil {
		return fmt.Errorf("review failed: %w", err)
	}

	final := result.FinalReview
	if application.PostProcessor != nil {
		processed, resolutions, err := application.PostProcessor.Process(ctx, final)
		if err != nil {
			logger.Warn().Err(err).Msg("Citation post-processing failed, keeping numeric citations")
		} else {
			final = processed
			resolved := 0
			for _, r := range resolutions {
				if r.Error == "" {
					resolved++
				}
			}
			if len(resolutions) > 0 {
				logger.Info().
					Int("resolved", resolved).
					Int("unresolved", len(resolutions)-resolved).
					Msg("Numeric citations post-processed")
			}
		}
	}

	if *exportPDF {
		exported, err := application.Exporter.ExportReview(ctx, state.RunID, final)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		logger.Info().
			Str("markdown", exported.MarkdownPath).
			Str("pdf", exported.PDFPath).
			Msg("Review exported")
	} else {
		outPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".reviewed.md"
		if err := os.WriteFile(outPath, []byte(final), 0o644); err != nil {
			return fmt.Errorf("failed to write reviewed draft: %w", err)
		}
		logger.Info().Str("path", outPath).Msg("Reviewed draft written")
	}

	for _, failure := range result.Errors {
		logger.Warn().
			Int("loop", failure.LoopNumber).
			Str("node", failure.NodeName).
			Str("type", failure.ErrorType).
			Msg(failure.ErrorMessage)
	}
	logger.Info().
		Str("run_id", state.RunID).
		Str("reason", result.CompletionReason).
		Int("loop_errors", len(result.Errors)).
		Int("revisions", len(result.Revisions)).
		Msg("Review complete")

	return nil
}
