package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/scdcal.defaults.json"

// Solver methods understood by the default gonum solver.
const (
	SolverNelderMead = "nelder-mead"
	SolverLBFGS      = "lbfgs"
)

// CalibrationConfig represents the root configuration for a calibration run.
// Every field is optional; the Get* methods supply defaults for nil fields,
// so a partial JSON file is valid.
type CalibrationConfig struct {
	// Lattice constant overrides (Å and degrees). Missing constants are taken
	// from the peak workspace's oriented lattice when it has one.
	A     *float64 `json:"a,omitempty"`
	B     *float64 `json:"b,omitempty"`
	C     *float64 `json:"c,omitempty"`
	Alpha *float64 `json:"alpha,omitempty"`
	Beta  *float64 `json:"beta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`

	// Stage selection
	CalibrateT0    *bool `json:"calibrate_t0,omitempty"`
	CalibrateL1    *bool `json:"calibrate_l1,omitempty"`
	CalibrateBanks *bool `json:"calibrate_banks,omitempty"`

	// Output paths; an empty string disables that format.
	DetCalFilename *string `json:"detcal_filename,omitempty"`
	XMLFilename    *string `json:"xml_filename,omitempty"`

	// Bank sweep
	MinPeaksPerBank  *int     `json:"min_peaks_per_bank,omitempty"`
	RotationBoundDeg *float64 `json:"rotation_bound_deg,omitempty"`
	Workers          *int     `json:"workers,omitempty"`

	// Solver
	SolverMethod  *string `json:"solver_method,omitempty"`
	MaxIterations *int    `json:"max_iterations,omitempty"`
	FitTimeout    *string `json:"fit_timeout,omitempty"` // duration string like "30s"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCalibrationConfig returns a CalibrationConfig with all fields nil.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// DefaultCalibrationConfig returns a config with every default made explicit.
func DefaultCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{
		CalibrateT0:      ptrBool(false),
		CalibrateL1:      ptrBool(true),
		CalibrateBanks:   ptrBool(true),
		DetCalFilename:   ptrString("SCDCalibrate2.DetCal"),
		XMLFilename:      ptrString("SCDCalibrate2.xml"),
		MinPeaksPerBank:  ptrInt(6),
		RotationBoundDeg: ptrFloat64(5),
		Workers:          ptrInt(0),
		SolverMethod:     ptrString(SolverNelderMead),
		MaxIterations:    ptrInt(2000),
		FitTimeout:       ptrString("0s"),
	}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or a parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *CalibrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/calibration/gonumfit/
	}
	for _, path := range candidates {
		if cfg, err := LoadCalibrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CalibrationConfig) Validate() error {
	lattice := []struct {
		name string
		v    *float64
	}{
		{"a", c.A}, {"b", c.B}, {"c", c.C},
		{"alpha", c.Alpha}, {"beta", c.Beta}, {"gamma", c.Gamma},
	}
	for _, l := range lattice {
		if l.v != nil && *l.v <= 0 {
			return fmt.Errorf("lattice constant %s must be positive, got %f", l.name, *l.v)
		}
	}
	for _, angle := range lattice[3:] {
		if angle.v != nil && *angle.v >= 180 {
			return fmt.Errorf("lattice angle %s must be below 180 degrees, got %f", angle.name, *angle.v)
		}
	}

	if c.DetCalFilename != nil && *c.DetCalFilename != "" {
		if ext := strings.ToLower(filepath.Ext(*c.DetCalFilename)); ext != ".detcal" {
			return fmt.Errorf("detcal_filename must have .DetCal extension, got %q", *c.DetCalFilename)
		}
	}
	if c.XMLFilename != nil && *c.XMLFilename != "" {
		if ext := strings.ToLower(filepath.Ext(*c.XMLFilename)); ext != ".xml" {
			return fmt.Errorf("xml_filename must have .xml extension, got %q", *c.XMLFilename)
		}
	}

	if c.MinPeaksPerBank != nil && *c.MinPeaksPerBank < 1 {
		return fmt.Errorf("min_peaks_per_bank must be at least 1, got %d", *c.MinPeaksPerBank)
	}
	if c.RotationBoundDeg != nil && (*c.RotationBoundDeg <= 0 || *c.RotationBoundDeg > 180) {
		return fmt.Errorf("rotation_bound_deg must be in (0, 180], got %f", *c.RotationBoundDeg)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.SolverMethod != nil {
		switch *c.SolverMethod {
		case SolverNelderMead, SolverLBFGS:
		default:
			return fmt.Errorf("unknown solver_method %q (want %q or %q)", *c.SolverMethod, SolverNelderMead, SolverLBFGS)
		}
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.FitTimeout != nil && *c.FitTimeout != "" {
		d, err := time.ParseDuration(*c.FitTimeout)
		if err != nil {
			return fmt.Errorf("invalid fit_timeout '%s': %w", *c.FitTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("fit_timeout must be non-negative, got %s", d)
		}
	}

	return nil
}

// LatticeOverrides returns the six lattice constants in a, b, c, alpha,
// beta, gamma order. Unset constants are nil.
func (c *CalibrationConfig) LatticeOverrides() [6]*float64 {
	return [6]*float64{c.A, c.B, c.C, c.Alpha, c.Beta, c.Gamma}
}

// GetCalibrateT0 returns whether the T0 stage runs.
func (c *CalibrationConfig) GetCalibrateT0() bool {
	if c.CalibrateT0 == nil {
		return false
	}
	return *c.CalibrateT0
}

// GetCalibrateL1 returns whether the L1 stage runs.
func (c *CalibrationConfig) GetCalibrateL1() bool {
	if c.CalibrateL1 == nil {
		return true
	}
	return *c.CalibrateL1
}

// GetCalibrateBanks returns whether the per-bank sweep runs.
func (c *CalibrationConfig) GetCalibrateBanks() bool {
	if c.CalibrateBanks == nil {
		return true
	}
	return *c.CalibrateBanks
}

func (c *CalibrationConfig) GetDetCalFilename() string {
	if c.DetCalFilename == nil {
		return "SCDCalibrate2.DetCal"
	}
	return *c.DetCalFilename
}

func (c *CalibrationConfig) GetXMLFilename() string {
	if c.XMLFilename == nil {
		return "SCDCalibrate2.xml"
	}
	return *c.XMLFilename
}

func (c *CalibrationConfig) GetMinPeaksPerBank() int {
	if c.MinPeaksPerBank == nil {
		return 6
	}
	return *c.MinPeaksPerBank
}

func (c *CalibrationConfig) GetRotationBoundDeg() float64 {
	if c.RotationBoundDeg == nil {
		return 5
	}
	return *c.RotationBoundDeg
}

// GetWorkers returns the bank worker limit; 0 means one per CPU.
func (c *CalibrationConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

func (c *CalibrationConfig) GetSolverMethod() string {
	if c.SolverMethod == nil {
		return SolverNelderMead
	}
	return *c.SolverMethod
}

func (c *CalibrationConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 2000
	}
	return *c.MaxIterations
}

// GetFitTimeout returns the per-fit deadline; zero means none.
func (c *CalibrationConfig) GetFitTimeout() time.Duration {
	if c.FitTimeout == nil || *c.FitTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.FitTimeout)
	if err != nil {
		return 0
	}
	return d
}
