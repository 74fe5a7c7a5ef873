package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mtnormalise/internal/models"
	"mtnormalise/pkg/config"
	"mtnormalise/pkg/normalise"
	"mtnormalise/pkg/volume"
)

// options holds the parsed command line flags.
type options struct {
	maskPath     *string
	order        *int
	niter        *int
	refValue     *float64
	balanced     *bool
	force        *bool
	checkNorm    *string
	checkMask    *string
	checkFactors *string
	configPath   *string
	numCores     *int
}

func registerFlags(fs *flag.FlagSet) *options {
	return &options{
		maskPath:     fs.String("mask", "", "Mask volume defining the data used to compute the normalisation (required)"),
		order:        fs.Int("order", normalise.DefaultPolyOrder, "Maximum order of the polynomial basis for the normalisation field (0-3)"),
		niter:        fs.Int("niter", normalise.DefaultMaxIterations, "Number of outer iterations"),
		refValue:     fs.Float64("value", normalise.DefaultReferenceValue, "Reference value the summed tissue compartments are normalised to"),
		balanced:     fs.Bool("balanced", false, "Incorporate the per-tissue balance factors into the output scaling"),
		force:        fs.Bool("force", false, "Overwrite existing output files"),
		checkNorm:    fs.String("check_norm", "", "Write the final estimated normalisation field to this file"),
		checkMask:    fs.String("check_mask", "", "Write the final outlier-free processing mask to this file"),
		checkFactors: fs.String("check_factors", "", "Write the tissue balance factors to this text file"),
		configPath:   fs.String("config", "", "Optional YAML configuration file (flags override its values)"),
		numCores:     fs.Int("cores", 0, "Number of CPU cores to use (default: all available)"),
	}
}

// reorderArgs moves option tokens and their values ahead of the
// positional arguments, so that options may appear anywhere on the
// command line:
//
//	mtnormalise wm.mtv wm_norm.mtv gm.mtv gm_norm.mtv -mask mask.mtv
//
// Stdlib flag parsing stops at the first positional argument; without
// the reorder a trailing -mask would land in the positionals and the
// mandatory flag would never bind. Everything after a bare "--" is
// taken as positional.
func reorderArgs(fs *flag.FlagSet, args []string) []string {
	opts := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			positionals = append(positionals, arg)
			continue
		}
		if arg == "--" {
			positionals = append(positionals, args[i+1:]...)
			break
		}
		opts = append(opts, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			// Unknown option: leave it for flag parsing to report.
			continue
		}
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			continue
		}
		if i+1 < len(args) {
			i++
			opts = append(opts, args[i])
		}
	}
	// The separator keeps dash-prefixed positionals out of the second
	// flag scan.
	opts = append(opts, "--")
	return append(opts, positionals...)
}

func main() {
	opts := registerFlags(flag.CommandLine)
	flag.CommandLine.Parse(reorderArgs(flag.CommandLine, os.Args[1:]))

	// Remaining arguments are input/output pairs:
	// mtnormalise wm.mtv wm_norm.mtv gm.mtv gm_norm.mtv csf.mtv csf_norm.mtv -mask mask.mtv
	args := flag.Args()
	if len(args) == 0 || *opts.maskPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	if len(args)%2 != 0 {
		log.Fatal("The number of arguments must be even, provided as pairs of each input and its corresponding output file.")
	}

	// Load configuration and let explicitly set flags take precedence
	cfg, err := config.LoadConfig(*opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["order"] {
		cfg.Normalise.Order = *opts.order
	}
	if set["niter"] {
		cfg.Normalise.MaxIterations = *opts.niter
	}
	if set["value"] {
		cfg.Normalise.ReferenceValue = *opts.refValue
	}
	if set["balanced"] {
		cfg.Normalise.Balanced = *opts.balanced
	}
	if set["cores"] {
		cfg.Processing.NumCores = *opts.numCores
	}

	codec, err := codecFromName(cfg.Output.Codec)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	inputPaths := make([]string, 0, len(args)/2)
	outputPaths := make([]string, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		inputPaths = append(inputPaths, args[i])
		outputPaths = append(outputPaths, args[i+1])
	}

	// Refuse to start if any output would collide; nothing is written
	// until the full estimation has completed
	if !*opts.force {
		for _, path := range outputPaths {
			if _, err := os.Stat(path); err == nil {
				log.Fatalf("Output file %q already exists (use -force to overwrite)", path)
			}
		}
	}

	fmt.Println("mtnormalise: multi-tissue informed log-domain intensity normalisation")

	// Load the mask and all tissue inputs before any computation
	maskVol, err := volume.Open(*opts.maskPath)
	if err != nil {
		log.Fatalf("Failed to load mask: %v", err)
	}
	mask := volume.VolumeToMask(maskVol)

	inputs := make([]*models.Volume, len(inputPaths))
	for i, path := range inputPaths {
		vol, err := volume.Open(path)
		if err != nil {
			log.Fatalf("Failed to load input: %v", err)
		}
		inputs[i] = vol
	}

	params := normalise.Params{
		Order:                cfg.Normalise.Order,
		MaxIterations:        cfg.Normalise.MaxIterations,
		MaxBalanceIterations: cfg.Normalise.MaxBalanceIterations,
		ReferenceValue:       cfg.Normalise.ReferenceValue,
		Balanced:             cfg.Normalise.Balanced,
		Workers:              cfg.Processing.NumCores,
	}
	if cfg.Output.Verbose {
		params.Progress = func(iter, total int, message string) {
			fmt.Printf("[%d/%d] %s\n", iter, total, message)
		}
	}

	engine, err := normalise.New(params, inputs, mask)
	if err != nil {
		log.Fatalf("Normalisation setup failed: %v", err)
	}

	fmt.Println("Performing log-domain intensity normalisation...")
	startTime := time.Now()
	if err := engine.Run(); err != nil {
		log.Fatalf("Normalisation failed: %v", err)
	}
	elapsed := time.Since(startTime)

	// Write normalised tissue outputs
	for i, path := range outputPaths {
		out := engine.Compose(i)
		if err := volume.CreateWithCodec(path, out, codec, *opts.force); err != nil {
			log.Fatalf("Failed to write output: %v", err)
		}
	}

	// Optional verification artifacts
	if *opts.checkNorm != "" {
		field := engine.Field()
		fieldVol := models.NewVolume(models.Header{
			Dims:   [4]int{mask.Dims[0], mask.Dims[1], mask.Dims[2], 1},
			Affine: inputs[0].Header.Affine,
		})
		copy(fieldVol.Data, field.Linear)
		if err := volume.CreateWithCodec(*opts.checkNorm, fieldVol, codec, *opts.force); err != nil {
			log.Fatalf("Failed to write normalisation field: %v", err)
		}
	}
	if *opts.checkMask != "" {
		maskOut := volume.MaskToVolume(engine.Mask(), inputs[0].Header.Affine)
		if err := volume.CreateWithCodec(*opts.checkMask, maskOut, codec, *opts.force); err != nil {
			log.Fatalf("Failed to write mask: %v", err)
		}
	}
	if *opts.checkFactors != "" {
		if err := writeFactors(*opts.checkFactors, engine.BalanceFactors()); err != nil {
			log.Fatalf("Failed to write balance factors: %v", err)
		}
	}

	fmt.Printf("\nNormalisation completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Outer iterations: %d (inner loop converged: %v)\n", engine.Iterations(), engine.Converged())
	fmt.Printf("Final mask voxels: %d\n", engine.NumVoxels())
	fmt.Printf("Balance factors: %v\n", engine.BalanceFactors())
	fmt.Printf("Log-norm scale: %.6g\n", engine.LognormScale())
}

// codecFromName maps a config codec name to the container codec.
func codecFromName(name string) (volume.Codec, error) {
	switch strings.ToLower(name) {
	case "", "gzip":
		return volume.CodecGzip, nil
	case "lz4":
		return volume.CodecLZ4, nil
	case "none":
		return volume.CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown output codec %q (expected gzip, lz4 or none)", name)
	}
}

// writeFactors dumps the balance factors to a text file, one per line.
func writeFactors(path string, factors []float64) error {
	var sb strings.Builder
	for _, f := range factors {
		fmt.Fprintf(&sb, "%.10g\n", f)
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
