package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"anatflow/internal/logging"
	"anatflow/pkg/anat"
	"anatflow/pkg/config"
	"anatflow/pkg/fsl"
	"anatflow/pkg/precrop"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory tree containing subject T1w volumes")
	outputDir := flag.String("output", "", "Output root directory (overrides config)")
	configPath := flag.String("config", "anatflow.yaml", "Path to YAML configuration file")
	fslDir := flag.String("fsldir", "", "FSL installation root (overrides config)")
	workers := flag.Int("workers", 0, "Number of parallel workers (overrides config)")
	precropAll := flag.Bool("precrop", false, "Apply crop/reorient preprocessing to every subject")
	strongBiasAll := flag.Bool("strongbias", false, "Use the alternate bias-correction mode for every subject")
	subLimit := flag.Int("sub-limit", 0, "Process at most this many subjects (0 = no limit)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "Emit JSON logs")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if *outputDir != "" {
		cfg.Pipeline.OutputDir = *outputDir
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if *fslDir != "" {
		cfg.FSL.Dir = *fslDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	logging.Configure(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})

	if cfg.FSL.Dir == "" {
		fmt.Fprintln(os.Stderr, "configuration error: FSL installation root not set (use -fsldir, the config file, or FSLDIR)")
		os.Exit(2)
	}

	images, err := discoverImages(*inputDir, *subLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if len(images) == 0 {
		fmt.Fprintf(os.Stderr, "no T1w volumes found under %s\n", *inputDir)
		os.Exit(2)
	}

	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	precrops := make([]bool, len(images))
	strongbias := make([]bool, len(images))
	for i := range images {
		precrops[i] = *precropAll
		strongbias[i] = *strongBiasAll
	}
	reqs, err := anat.BuildRequests(images, precrops, strongbias, cfg.Pipeline.OutputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	seed := cfg.Precrop.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
		logging.L().Info("derived noise seed", "seed", seed)
	}

	tools := fsl.NewToolkit(cfg.FSL.Dir)
	engine := fsl.NewAnatEngine(tools)
	store := anat.NewDirStore(cfg.Pipeline.OutputDir)
	chain := &precrop.Chain{
		Tools:         tools,
		NoiseFraction: cfg.Precrop.NoiseFraction,
		Seed:          seed,
	}

	tasks := make([]*anat.Task, len(reqs))
	for i, req := range reqs {
		tasks[i] = &anat.Task{Req: req, Store: store, Engine: engine, Chain: chain}
	}

	fmt.Printf("Processing %d subjects with %d workers\n", len(tasks), cfg.Pipeline.Workers)
	startTime := time.Now()
	report := anat.NewScheduler(cfg.Pipeline.Workers).Run(context.Background(), tasks)

	fmt.Printf("\nBatch finished in %.1f seconds\n", time.Since(startTime).Seconds())
	for _, res := range report.Results {
		switch res.Outcome {
		case anat.OutcomeFailed:
			fmt.Printf("  %-40s failed at %s: %v\n", res.Subject, res.Stage, res.Err)
		case anat.OutcomeSkipped:
			fmt.Printf("  %-40s already complete, skipped\n", res.Subject)
		default:
			fmt.Printf("  %-40s newly completed (%.1fs)\n", res.Subject, res.Duration.Seconds())
		}
	}
	fmt.Printf("\n%d newly completed, %d skipped, %d failed\n",
		report.Completed, report.Skipped, report.Failed)

	if report.AnyFailed() {
		os.Exit(1)
	}
}

// discoverImages walks the input tree for BIDS-style T1w volumes, returning
// them in lexical order, truncated to limit when limit is positive.
func discoverImages(root string, limit int) ([]string, error) {
	var images []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), "T1w.nii.gz") {
			images = append(images, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan input directory: %w", err)
	}
	if limit > 0 && len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}
