package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. It is built once at startup and
// passed by value into each component.
type Config struct {
	Vision    VisionConfig   `json:"vision" yaml:"vision"`
	Shape     ShapeConfig    `json:"shape" yaml:"shape"`
	Morph     MorphConfig    `json:"morph" yaml:"morph"`
	Templates TemplateConfig `json:"templates" yaml:"templates"`
	Infill    InfillConfig   `json:"infill" yaml:"infill"`
	Output    OutputConfig   `json:"output" yaml:"output"`
	Report    ReportConfig   `json:"report" yaml:"report"`
	Jobs      JobsConfig     `json:"jobs" yaml:"jobs"`
	Logging   LoggingConfig  `json:"logging" yaml:"logging"`
}

// VisionConfig holds the HSV window that separates footprint ink from the page
type VisionConfig struct {
	LowerHSV      [3]float64 `json:"lower_hsv" yaml:"lower_hsv"`
	UpperHSV      [3]float64 `json:"upper_hsv" yaml:"upper_hsv"`
	MaxRegions    int        `json:"max_regions" yaml:"max_regions"`
	MinRegionArea float64    `json:"min_region_area" yaml:"min_region_area"`
}

// ShapeConfig holds arch index measurement and classification settings
type ShapeConfig struct {
	IsthmusSlice  float64 `json:"isthmus_slice" yaml:"isthmus_slice"`
	ForefootSlice float64 `json:"forefoot_slice" yaml:"forefoot_slice"`
	FlatThreshold float64 `json:"flat_threshold" yaml:"flat_threshold"`
	HighThreshold float64 `json:"high_threshold" yaml:"high_threshold"`
	SliceBand     int     `json:"slice_band" yaml:"slice_band"`
	HeelAtBottom  bool    `json:"heel_at_bottom" yaml:"heel_at_bottom"`
	MinImageSize  int     `json:"min_image_size" yaml:"min_image_size"`
}

// MorphConfig holds the template deformation constants
type MorphConfig struct {
	MasterSize        int        `json:"master_size" yaml:"master_size"`
	ReferenceWeightKg float64    `json:"reference_weight_kg" yaml:"reference_weight_kg"`
	MinWeightMod      float64    `json:"min_weight_mod" yaml:"min_weight_mod"`
	MaxWeightMod      float64    `json:"max_weight_mod" yaml:"max_weight_mod"`
	HighArchMod       float64    `json:"high_arch_mod" yaml:"high_arch_mod"`
	FlatArchMod       float64    `json:"flat_arch_mod" yaml:"flat_arch_mod"`
	NormalArchMod     float64    `json:"normal_arch_mod" yaml:"normal_arch_mod"`
	FallbackPlate     [3]float64 `json:"fallback_plate" yaml:"fallback_plate"` // width, length, thickness
}

// TemplateConfig locates reference meshes on disk
type TemplateConfig struct {
	Dir             string `json:"dir" yaml:"dir"`
	FilenamePattern string `json:"filename_pattern" yaml:"filename_pattern"`
}

// InfillBracket maps weights below UpperBoundKg to Percent
type InfillBracket struct {
	UpperBoundKg float64 `json:"upper_bound_kg" yaml:"upper_bound_kg"`
	Percent      int     `json:"percent" yaml:"percent"`
}

// InfillConfig holds the ascending bracket table
type InfillConfig struct {
	Brackets       []InfillBracket `json:"brackets" yaml:"brackets"`
	DefaultPercent int             `json:"default_percent" yaml:"default_percent"`
}

// OutputConfig holds configuration for generated artifacts
type OutputConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	OverlayFormat string `json:"overlay_format" yaml:"overlay_format"`
	Quality       int    `json:"quality" yaml:"quality"`
}

// ReportConfig selects how metadata is read from clinical report pages
type ReportConfig struct {
	Backend  string  `json:"backend" yaml:"backend"` // ocr, ollama, llamacpp
	Model    string  `json:"model" yaml:"model"`
	URL      string  `json:"url" yaml:"url"`
	Language string  `json:"language" yaml:"language"`
	PDFDPI   float64 `json:"pdf_dpi" yaml:"pdf_dpi"` // render resolution of PDF report pages
}

// JobsConfig configures the job ledger
type JobsConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Vision: VisionConfig{
			LowerHSV:      [3]float64{0, 50, 50},
			UpperHSV:      [3]float64{180, 255, 255},
			MaxRegions:    2,
			MinRegionArea: 0,
		},
		Shape: ShapeConfig{
			IsthmusSlice:  0.50,
			ForefootSlice: 0.80,
			FlatThreshold: 45,
			HighThreshold: 30,
			SliceBand:     0,
			HeelAtBottom:  true,
			MinImageSize:  16,
		},
		Morph: MorphConfig{
			MasterSize:        44,
			ReferenceWeightKg: 75,
			MinWeightMod:      0.5,
			MaxWeightMod:      1.5,
			HighArchMod:       1.25,
			FlatArchMod:       0.8,
			NormalArchMod:     1.0,
			FallbackPlate:     [3]float64{100, 270, 5},
		},
		Templates: TemplateConfig{
			Dir:             filepath.Join("assets", "templates"),
			FilenamePattern: "base_%d.stl",
		},
		Infill: InfillConfig{
			Brackets: []InfillBracket{
				{UpperBoundKg: 50, Percent: 20},
				{UpperBoundKg: 70, Percent: 30},
				{UpperBoundKg: 90, Percent: 40},
				{UpperBoundKg: 110, Percent: 50},
			},
			DefaultPercent: 60,
		},
		Output: OutputConfig{
			Dir:           filepath.Join("assets", "temp"),
			OverlayFormat: "png",
			Quality:       90,
		},
		Report: ReportConfig{
			Backend:  "ocr",
			Model:    "openbmb/minicpm-v4.5",
			URL:      "",
			Language: "fra",
			PDFDPI:   150,
		},
		Jobs: JobsConfig{
			Enabled:      false,
			DatabasePath: filepath.Join("assets", "jobs.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file. Keys missing
// from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML or JSON file depending on extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for i := 0; i < 3; i++ {
		if c.Vision.LowerHSV[i] > c.Vision.UpperHSV[i] {
			return fmt.Errorf("vision.lower_hsv[%d] must not exceed vision.upper_hsv[%d]", i, i)
		}
	}
	if c.Vision.MaxRegions < 1 {
		return fmt.Errorf("vision.max_regions must be positive")
	}

	if c.Shape.IsthmusSlice <= 0 || c.Shape.IsthmusSlice >= 1 {
		return fmt.Errorf("shape.isthmus_slice must be between 0 and 1")
	}
	if c.Shape.ForefootSlice <= 0 || c.Shape.ForefootSlice >= 1 {
		return fmt.Errorf("shape.forefoot_slice must be between 0 and 1")
	}
	if c.Shape.HighThreshold > c.Shape.FlatThreshold {
		return fmt.Errorf("shape.high_threshold must not exceed shape.flat_threshold")
	}
	if c.Shape.SliceBand < 0 {
		return fmt.Errorf("shape.slice_band must not be negative")
	}

	if c.Morph.MasterSize <= 0 {
		return fmt.Errorf("morph.master_size must be positive")
	}
	if c.Morph.ReferenceWeightKg <= 0 {
		return fmt.Errorf("morph.reference_weight_kg must be positive")
	}
	if c.Morph.MinWeightMod <= 0 || c.Morph.MinWeightMod > c.Morph.MaxWeightMod {
		return fmt.Errorf("morph.min_weight_mod must be positive and not exceed morph.max_weight_mod")
	}
	if c.Morph.HighArchMod <= 0 || c.Morph.FlatArchMod <= 0 || c.Morph.NormalArchMod <= 0 {
		return fmt.Errorf("morph arch modifiers must be positive")
	}
	for i, d := range c.Morph.FallbackPlate {
		if d <= 0 {
			return fmt.Errorf("morph.fallback_plate[%d] must be positive", i)
		}
	}

	if !strings.Contains(c.Templates.FilenamePattern, "%d") {
		return fmt.Errorf("templates.filename_pattern must contain %%d")
	}

	prev := 0.0
	for i, b := range c.Infill.Brackets {
		if b.UpperBoundKg <= prev {
			return fmt.Errorf("infill.brackets[%d].upper_bound_kg must be ascending", i)
		}
		prev = b.UpperBoundKg
	}

	switch c.Report.Backend {
	case "ocr", "ollama", "llamacpp":
	default:
		return fmt.Errorf("report.backend must be one of ocr, ollama, llamacpp")
	}

	if c.Report.PDFDPI <= 0 {
		return fmt.Errorf("report.pdf_dpi must be positive")
	}

	switch strings.ToLower(c.Output.OverlayFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.overlay_format must be one of png, jpg, webp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "orthotic-engine", "config.yaml")
}
