package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medsetu/ingest/internal/adapter"
	"github.com/medsetu/ingest/internal/config"
	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/pipeline"
	"github.com/medsetu/ingest/internal/platform/fhir"
	"github.com/medsetu/ingest/internal/platform/vlm"
)

// usageError marks failures caused by how the command was invoked rather
// than by the data it processed. They exit with code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "Error:", ue.msg)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		inputDir  string
		outputDir string
		scenario  string
	)

	cmd := &cobra.Command{
		Use:           "ingest --input <dir> --output <dir>",
		Short:         "Ingest heterogeneous clinical files into per-patient FHIR transaction Bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputDir == "" || outputDir == "" {
				return &usageError{msg: "--input and --output are required"}
			}
			info, err := os.Stat(inputDir)
			if err != nil || !info.IsDir() {
				return &usageError{msg: fmt.Sprintf("input directory %q does not exist", inputDir)}
			}
			return run(cmd, inputDir, outputDir, scenario)
		},
	}

	cmd.Flags().StringVar(&inputDir, "input", "", "Directory of clinical source files")
	cmd.Flags().StringVar(&outputDir, "output", "", "Directory for per-patient bundle JSON files")
	cmd.Flags().StringVar(&scenario, "scenario", "", "Canned note-extraction scenario (skips the VLM call)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
	return cmd
}

func run(cmd *cobra.Command, inputDir, outputDir, scenario string) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	systems := fhir.IdentifierSystems{MRN: cfg.MRNSystem, ABHA: cfg.ABHASystem}
	vlmTimeout := time.Duration(cfg.VLMTimeoutSeconds) * time.Second

	var client vlm.Client
	switch {
	case scenario != "":
		client = &vlm.StaticClient{Note: vlm.ScenarioNote(scenario)}
	case cfg.VLMAPIKey != "":
		client = vlm.NewOpenAIClient(cfg.VLMAPIKey, cfg.VLMBaseURL, cfg.VLMModel)
	default:
		logger.Warn().Msg("no VLM_API_KEY configured; handwritten notes use the default canned extraction")
		client = &vlm.StaticClient{Note: vlm.ScenarioNote("default")}
	}

	registry := ingest.NewRegistry(
		adapter.NewHospitalEHR(systems),
		adapter.NewWearable(systems),
		adapter.NewAmbulanceEMS(systems),
		adapter.NewRealtimeVitals(systems, nil),
		adapter.NewScansLabs(systems, nil),
		adapter.NewHandwrittenNotes(client, vlmTimeout, nil),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := pipeline.New(registry, systems, logger, nil)
	summary, err := driver.Run(ctx, inputDir, outputDir)
	if err != nil {
		logger.Error().Err(err).Msg("ingestion run aborted")
		return err
	}

	fmt.Printf("Parsed %d of %d file(s); wrote %d bundle(s) for %d patient(s) to %s\n",
		summary.FilesParsed, summary.FilesSeen, summary.BundlesWritten, summary.Patients, outputDir)
	for kind, n := range summary.Failures {
		fmt.Printf("  %d file(s) rejected: %s\n", n, kind)
	}
	return nil
}
