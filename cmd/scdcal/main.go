// Command scdcal calibrates a single-crystal diffractometer from indexed
// peaks: it refines T0, L1 and the pose of every detector bank and writes
// the result as a parameter XML file and an ISAW DetCal file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/banshee-data/scdcal/internal/calfile"
	"github.com/banshee-data/scdcal/internal/calibration"
	"github.com/banshee-data/scdcal/internal/calibration/gonumfit"
	"github.com/banshee-data/scdcal/internal/config"
	"github.com/banshee-data/scdcal/internal/db"
	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/monitoring"
	"github.com/banshee-data/scdcal/internal/peaks"
	"github.com/banshee-data/scdcal/internal/report"
	"github.com/banshee-data/scdcal/internal/version"
)

var errUsage = errors.New("usage")

type options struct {
	peaksPath      string
	instrumentPath string
	configPath     string
	detcal         string
	xml            string
	dbPath         string
	reportDir      string
	metricsFile    string
	showVersion    bool

	detcalSet, xmlSet bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("scdcal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.peaksPath, "peaks", "", "Peaks JSON file (required)")
	fs.StringVar(&o.instrumentPath, "instrument", "", "Instrument JSON file (required)")
	fs.StringVar(&o.configPath, "config", "", "Calibration config JSON (defaults built in)")
	fs.StringVar(&o.detcal, "detcal", "", "DetCal output path; empty disables (overrides config)")
	fs.StringVar(&o.xml, "xml", "", "Parameter XML output path; empty disables (overrides config)")
	fs.StringVar(&o.dbPath, "db", "", "SQLite run history database (optional)")
	fs.StringVar(&o.reportDir, "report-dir", "", "Directory for HTML and PNG diagnostics (optional)")
	fs.StringVar(&o.metricsFile, "metrics-textfile", "", "Write Prometheus metrics in textfile format (optional)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "detcal":
			o.detcalSet = true
		case "xml":
			o.xmlSet = true
		}
	})
	if o.showVersion {
		return o, nil
	}
	if o.peaksPath == "" || o.instrumentPath == "" {
		fs.Usage()
		return nil, fmt.Errorf("%w: -peaks and -instrument are required", errUsage)
	}
	return o, nil
}

func loadConfig(path string) (*config.CalibrationConfig, error) {
	if path == "" {
		return config.DefaultCalibrationConfig(), nil
	}
	return config.LoadCalibrationConfig(path)
}

func orchestratorOptions(cfg *config.CalibrationConfig, o *options) calibration.Options {
	opts := calibration.Options{
		Lattice:          cfg.LatticeOverrides(),
		CalibrateT0:      cfg.GetCalibrateT0(),
		CalibrateL1:      cfg.GetCalibrateL1(),
		CalibrateBanks:   cfg.GetCalibrateBanks(),
		XMLPath:          cfg.GetXMLFilename(),
		DetCalPath:       cfg.GetDetCalFilename(),
		MinPeaksPerBank:  cfg.GetMinPeaksPerBank(),
		RotationBoundDeg: cfg.GetRotationBoundDeg(),
		Workers:          cfg.GetWorkers(),
		MaxIterations:    cfg.GetMaxIterations(),
		FitTimeout:       cfg.GetFitTimeout(),
	}
	if o.xmlSet {
		opts.XMLPath = o.xml
	}
	if o.detcalSet {
		opts.DetCalPath = o.detcal
	}
	return opts
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	fsys := fsutil.OSFileSystem{}
	inst, err := instrument.Load(fsys, o.instrumentPath)
	if err != nil {
		return err
	}
	ws, err := peaks.Load(fsys, o.peaksPath, inst)
	if err != nil {
		return err
	}
	monitoring.Logf("loaded %d peaks on %s (%d banks)", ws.Len(), inst.Name, len(inst.Banks()))

	solver, err := gonumfit.New(cfg.GetSolverMethod())
	if err != nil {
		return err
	}
	orch := calibration.NewOrchestrator(solver, calfile.NewWriter(fsys), orchestratorOptions(cfg, o))
	var metrics *monitoring.FitMetrics
	if o.metricsFile != "" {
		metrics = monitoring.NewFitMetrics()
		orch.SetMetrics(metrics)
	}

	rep, runErr := orch.Run(ctx, ws)
	if rep != nil {
		printSummary(stdout, rep)
	}

	if o.dbPath != "" && rep != nil {
		if err := recordRun(o.dbPath, inst.Name, ws.Len(), rep, runErr); err != nil {
			monitoring.Logf("failed to record run history: %v", err)
		}
	}
	if o.reportDir != "" && rep != nil {
		files, err := report.Write(fsys, o.reportDir, rep)
		if err != nil {
			monitoring.Logf("failed to write report: %v", err)
		}
		for _, f := range files {
			monitoring.Logf("wrote %s", f)
		}
	}
	if metrics != nil {
		if err := metrics.WriteTextfile(o.metricsFile); err != nil {
			monitoring.Logf("%v", err)
		}
	}
	return runErr
}

func recordRun(path, instrumentName string, numPeaks int, rep *calibration.RunReport, runErr error) error {
	database, err := db.NewDB(path)
	if err != nil {
		return err
	}
	defer database.Close()
	run, err := db.NewRunStore(database.DB).RecordReport(instrumentName, numPeaks, rep, runErr)
	if err != nil {
		return err
	}
	monitoring.Logf("recorded run %s", run.RunID)
	return nil
}

func printSummary(w io.Writer, rep *calibration.RunReport) {
	fmt.Fprintf(w, "state: %s\n", rep.State)
	fmt.Fprintf(w, "T0: %.4f us\n", rep.T0)
	fmt.Fprintf(w, "L1: %.6f m -> %.6f m\n", rep.L1Before, rep.L1After)
	if len(rep.Banks) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BANK\tOUTCOME\tPEAKS\tDX(mm)\tDY(mm)\tDZ(mm)\tROTX\tROTY\tROTZ\tCHI2/DOF")
	for _, b := range rep.Banks {
		if b.Outcome != calibration.OutcomeFitted {
			fmt.Fprintf(tw, "%s\t%s\t%d\t\t\t\t\t\t\t\n", b.Bank, b.Outcome, b.NumPeaks)
			continue
		}
		d := b.Delta
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.4g\n",
			b.Bank, b.Outcome, b.NumPeaks,
			d.Translation.X*1000, d.Translation.Y*1000, d.Translation.Z*1000,
			d.RotX, d.RotY, d.RotZ, b.Chi2OverDoF)
	}
	tw.Flush()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	log.Printf("scdcal: %v", err)
	os.Exit(1)
}
