package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultCalibrationConfig(t *testing.T) {
	cfg := DefaultCalibrationConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
	if cfg.GetCalibrateT0() != false {
		t.Errorf("GetCalibrateT0() = %v, want false", cfg.GetCalibrateT0())
	}
	if cfg.GetCalibrateL1() != true {
		t.Errorf("GetCalibrateL1() = %v, want true", cfg.GetCalibrateL1())
	}
	if cfg.GetMinPeaksPerBank() != 6 {
		t.Errorf("GetMinPeaksPerBank() = %d, want 6", cfg.GetMinPeaksPerBank())
	}
	if cfg.GetRotationBoundDeg() != 5 {
		t.Errorf("GetRotationBoundDeg() = %f, want 5", cfg.GetRotationBoundDeg())
	}
	if cfg.GetFitTimeout() != 0 {
		t.Errorf("GetFitTimeout() = %v, want 0", cfg.GetFitTimeout())
	}
}

func TestEmptyConfigMatchesDefaults(t *testing.T) {
	empty := EmptyCalibrationConfig()
	def := DefaultCalibrationConfig()

	type snapshot struct {
		T0, L1, Banks bool
		DetCal, XML   string
		MinPeaks      int
		Bound         float64
		Workers       int
		Method        string
		MaxIter       int
		Timeout       time.Duration
	}
	take := func(c *CalibrationConfig) snapshot {
		return snapshot{
			c.GetCalibrateT0(), c.GetCalibrateL1(), c.GetCalibrateBanks(),
			c.GetDetCalFilename(), c.GetXMLFilename(),
			c.GetMinPeaksPerBank(), c.GetRotationBoundDeg(), c.GetWorkers(),
			c.GetSolverMethod(), c.GetMaxIterations(), c.GetFitTimeout(),
		}
	}
	if diff := cmp.Diff(take(def), take(empty)); diff != "" {
		t.Errorf("empty config getters differ from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadCalibrationConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "cal.json")

	testJSON := `{
  "a": 4.91,
  "c": 5.41,
  "gamma": 120,
  "calibrate_t0": true,
  "detcal_filename": "",
  "workers": 4,
  "solver_method": "lbfgs",
  "fit_timeout": "45s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadCalibrationConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	lat := cfg.LatticeOverrides()
	if lat[0] == nil || *lat[0] != 4.91 {
		t.Errorf("a = %v, want 4.91", lat[0])
	}
	if lat[1] != nil {
		t.Errorf("b = %v, want nil", *lat[1])
	}
	if lat[5] == nil || *lat[5] != 120 {
		t.Errorf("gamma = %v, want 120", lat[5])
	}
	if !cfg.GetCalibrateT0() {
		t.Error("expected calibrate_t0 true")
	}
	if cfg.GetDetCalFilename() != "" {
		t.Errorf("GetDetCalFilename() = %q, want empty", cfg.GetDetCalFilename())
	}
	if cfg.GetXMLFilename() != "SCDCalibrate2.xml" {
		t.Errorf("GetXMLFilename() = %q, want default", cfg.GetXMLFilename())
	}
	if cfg.GetWorkers() != 4 {
		t.Errorf("GetWorkers() = %d, want 4", cfg.GetWorkers())
	}
	if cfg.GetSolverMethod() != SolverLBFGS {
		t.Errorf("GetSolverMethod() = %q, want %q", cfg.GetSolverMethod(), SolverLBFGS)
	}
	if cfg.GetFitTimeout() != 45*time.Second {
		t.Errorf("GetFitTimeout() = %v, want 45s", cfg.GetFitTimeout())
	}
}

func TestLoadCalibrationConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, content string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("cal.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "missing.json"), "failed to stat"},
		{"bad json", write("bad.json", "{not json"), "failed to parse"},
		{"negative lattice", write("neg.json", `{"b": -1}`), "lattice constant b must be positive"},
		{"flat angle", write("angle.json", `{"beta": 180}`), "below 180"},
		{"bad detcal ext", write("detcal.json", `{"detcal_filename": "out.txt"}`), "detcal_filename"},
		{"bad xml ext", write("xml.json", `{"xml_filename": "out.json"}`), "xml_filename"},
		{"zero min peaks", write("minpeaks.json", `{"min_peaks_per_bank": 0}`), "min_peaks_per_bank"},
		{"zero bound", write("bound.json", `{"rotation_bound_deg": 0}`), "rotation_bound_deg"},
		{"negative workers", write("workers.json", `{"workers": -2}`), "workers"},
		{"unknown method", write("method.json", `{"solver_method": "levenberg"}`), "unknown solver_method"},
		{"zero iterations", write("iter.json", `{"max_iterations": 0}`), "max_iterations"},
		{"bad timeout", write("timeout.json", `{"fit_timeout": "soon"}`), "invalid fit_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCalibrationConfig(tt.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCalibrationConfig_TooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(p, big, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibrationConfig(p); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultCalibrationConfig(), cfg); diff != "" {
		t.Errorf("defaults file out of sync with DefaultCalibrationConfig (-want +got):\n%s", diff)
	}
}
