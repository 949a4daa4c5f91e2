// -----------------------------------------------------------------------
// Last Modified: Friday, 21st August 2026 4:12:33 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/app"
	"github.com/thala-research/thala/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	healthCheck  = flag.Bool("health", false, "Probe every storage backend and print the composite report")
	ingestInput  = flag.String("ingest", "", "Ingest one input: a URL, a DOI, or a path to a markdown file")
	ingestTitle  = flag.String("title", "", "Title for raw markdown inputs (ignored for URLs and DOIs)")
	batchFile    = flag.String("batch", "", "Ingest every input listed in a file, one per line")
	reviewFile   = flag.String("review", "", "Run the review loops over a draft markdown file")
	loopsFlag    = flag.String("loops", "all", "Highest review loop to run: none, one, two, three, four, all")
	exportPDF    = flag.Bool("export", false, "Export the finished review as markdown + PDF")
	workflowMode = flag.String("mode", "", "Workflow mode override: dev or prod")
	logLevel     = flag.String("log-level", "", "Log level override: debug, info, warn, error")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	// Register custom flag for multiple config files
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	defer common.RecoverWithCrashFile()

	flag.Parse()
	common.LoadVersionFromFile()

	if *showVersion || *showVersionV {
		fmt.Printf("Thala version %s\n", common.GetVersion())
		return
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("thala.toml"); err == nil {
			configFiles = append(configFiles, "thala.toml")
		} else if _, err := os.Stat("deployments/local/thala.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/thala.toml")
		}
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *workflowMode, *logLevel)
	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Str("workflow_mode", config.Workflow.Mode).
		Msg("Resolved configuration")

	// Commands run until done or until the first interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	exitCode := 0
	if err := dispatch(ctx, application); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		exitCode = 1
	}

	if err := application.Close(); err != nil {
		logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	os.Exit(exitCode)
}

// dispatch routes the parsed flags to one command
func dispatch(ctx context.Context, application *app.App) error {
	switch {
	case *healthCheck:
		return runHealth(ctx, application)
	case *batchFile != "":
		return runBatch(ctx, application, *batchFile)
	case *ingestInput != "":
		return runIngest(ctx, application, *ingestInput, *ingestTitle)
	case *reviewFile != "":
		return runReview(ctx, application, *reviewFile)
	default:
		flag.Usage()
		return fmt.Errorf("no command given: use -ingest, -batch, -review, or -health")
	}
}
