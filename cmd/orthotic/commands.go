package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	orthotic "github.com/menta2k/orthotic-engine"
	"github.com/menta2k/orthotic-engine/internal/utils"
	"github.com/menta2k/orthotic-engine/pkg/llamacpp"
	"github.com/menta2k/orthotic-engine/pkg/ollama"
	"github.com/menta2k/orthotic-engine/pkg/raster"
	"github.com/menta2k/orthotic-engine/pkg/report"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

func (a *app) analyzeCmd() *cobra.Command {
	var (
		withOverlay bool
		overlayPath string
	)

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Segment a footprint scan and print the shape profiles",
		Long: `Segments a footprint scan and prints the image size and the shape profile of
each detected foot. With --overlay a debug image showing the regions and the
measurement rows is written to <output>/<name>_overlay.<overlay_format>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if overlayPath == "" && withOverlay {
				overlayPath = engine.OverlayPath(args[0])
			}
			analysis, err := engine.AnalyzeFile(args[0], overlayPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), analysis)
		},
	}
	cmd.Flags().BoolVar(&withOverlay, "overlay", false, "write a debug overlay to the output directory")
	cmd.Flags().StringVar(&overlayPath, "overlay-path", "", "write the debug overlay to this path instead")
	return cmd
}

func (a *app) generateCmd() *cobra.Command {
	var (
		imagePath string
		weight    float64
		size      int
		diagnosis string
		side      string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the full pipeline for one patient",
		Long: `Generates one insole mesh per detected foot. Without --image the default
profile (left foot, normal arch) is used.`,
		Example: `  orthotic generate --image scan.png --weight 82 --size 43
  orthotic generate --weight 70 --size 40 --side right`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if imagePath != "" {
				var err error
				if data, err = os.ReadFile(imagePath); err != nil {
					return fmt.Errorf("failed to read image: %w", err)
				}
			}
			record := types.NewRecord(weight, size, types.ParseDiagnosis(diagnosis), data)
			return a.run(cmd, record, side)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "footprint scan (png, jpg, webp, tiff, bmp)")
	cmd.Flags().Float64Var(&weight, "weight", 0, "body weight in kg")
	cmd.Flags().IntVar(&size, "size", 0, "target shoe size (EU)")
	cmd.Flags().StringVar(&diagnosis, "diagnosis", "Normal", "Normal, Supination or Pronation")
	cmd.Flags().StringVar(&side, "side", "", "only generate this foot: left or right")
	_ = cmd.MarkFlagRequired("weight")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

// run processes record and prints the result
func (a *app) run(cmd *cobra.Command, record types.MeasurementRecord, side string) error {
	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	var result *orthotic.Result
	if side != "" {
		s, err := types.ParseSide(side)
		if err != nil {
			return err
		}
		result, err = engine.ProcessSide(cmd.Context(), record, s)
		if err != nil {
			return err
		}
	} else {
		result, err = engine.Process(cmd.Context(), record)
		if err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func (a *app) reportCmd() *cobra.Command {
	var (
		weight float64
		size   int
		side   string
	)

	cmd := &cobra.Command{
		Use:   "report <report.pdf|page-image>",
		Short: "Read patient data from a report, then run the pipeline",
		Long: `Extracts weight, shoe size and diagnosis from a clinical report.

A PDF report is read from the text layer of its first page; that page is then
rendered and the footprint on it analyzed. When the text layer lacks a value
the rendered page is passed to the configured backend (ocr, ollama or
llamacpp). A page image goes to the backend directly.

When weight or size cannot be read the partial record is printed and the
command fails; supply the values with --weight and --size.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read report: %w", err)
			}

			extractor, closeFn, err := a.newExtractor()
			if err != nil {
				return err
			}
			defer closeFn()
			if report.IsPDF(page) {
				renderer := report.FitzRenderer{DPI: a.cfg.Report.PDFDPI}
				extractor = report.NewPDFExtractor(renderer, raster.New(), extractor, a.logger)
			}

			record, err := extractor.Extract(cmd.Context(), page)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("weight") {
				record.WeightKg = &weight
			}
			if cmd.Flags().Changed("size") {
				record.TargetSize = &size
			}

			if missing := report.Missing(record); len(missing) > 0 {
				_ = printJSON(cmd.OutOrStdout(), map[string]any{
					"message":   "Partial data. Manual input required.",
					"missing":   missing,
					"extracted": record,
				})
				return fmt.Errorf("%w: missing %s", orthotic.ErrIncompleteRecord, strings.Join(missing, ", "))
			}
			return a.run(cmd, record, side)
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 0, "body weight in kg when the report lacks it")
	cmd.Flags().IntVar(&size, "size", 0, "shoe size when the report lacks it")
	cmd.Flags().StringVar(&side, "side", "", "only generate this foot: left or right")
	return cmd
}

func (a *app) newExtractor() (report.Extractor, func() error, error) {
	noop := func() error { return nil }
	rc := a.cfg.Report

	switch rc.Backend {
	case "ocr":
		ext, err := report.NewOCRExtractor(rc.Language, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return ext, ext.Close, nil
	case "ollama":
		url := rc.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return report.NewVisionExtractor(c, rc.Model, a.logger), noop, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(rc.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return report.NewVisionExtractor(c, rc.Model, a.logger), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown report backend %q", rc.Backend)
}

func (a *app) batchCmd() *cobra.Command {
	var (
		weight   float64
		size     int
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Process every footprint scan in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := utils.ListImageFiles(args[0])
			if err != nil {
				return fmt.Errorf("failed to list images: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("no images found in %s", args[0])
			}

			records := make([]types.MeasurementRecord, len(files))
			for i, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", f, err)
				}
				records[i] = types.NewRecord(weight, size, types.DiagnosisNormal, data)
			}

			engine, err := a.newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			results, err := engine.ProcessBatch(cmd.Context(), records, parallel)
			if err != nil {
				return err
			}

			out := make([]map[string]any, len(results))
			for i, r := range results {
				out[i] = map[string]any{"input": files[i], "result": r}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 0, "body weight in kg applied to every scan")
	cmd.Flags().IntVar(&size, "size", 0, "target shoe size applied to every scan")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "maximum scans processed at once")
	_ = cmd.MarkFlagRequired("weight")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func (a *app) infillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "infill <weight-kg>",
		Short: "Print the recommended infill percentage for a body weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseFloat(args[0], 64)
			if err != nil || weight < 0 {
				return fmt.Errorf("invalid weight %q", args[0])
			}
			engine, err := a.newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", engine.Infill(weight))
			return nil
		},
	}
}
