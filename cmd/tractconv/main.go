package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
	"tractconv/pkg/config"
	"tractconv/pkg/conversion"
	"tractconv/pkg/events"
	"tractconv/pkg/query"
	"tractconv/pkg/tck"
	"tractconv/pkg/trk"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks command line mistakes, reported with exit status 2.
var errUsage = errors.New("usage error")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tractconv <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  convert      -tck in.tck -image t1.nii[.gz] -trk out.trk [-reverse] [-workers N] [-config f.yaml]")
	fmt.Fprintln(w, "  voxel2world  -voxel i,j,k -image t1.nii[.gz]")
	fmt.Fprintln(w, "  events       [-verbose] <expfolder>")
	fmt.Fprintln(w, "  info         <file.tck|file.trk>")
	fmt.Fprintln(w, "  config       <file.yaml>   write the default configuration")
}

// run executes one command and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	logrus.SetOutput(stderr)

	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	var err error
	switch args[0] {
	case "convert":
		err = runConvert(args[1:], stdout, stderr)
	case "voxel2world":
		err = runVoxelToWorld(args[1:], stdout, stderr)
	case "events":
		err = runEvents(args[1:], stdout, stderr)
	case "info":
		err = runInfo(args[1:], stdout, stderr)
	case "config":
		err = runConfig(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return exitUsage
	default:
		logrus.WithError(err).Error("Command failed")
		return exitError
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func runConvert(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("convert", stderr)
	tckPath := fs.String("tck", "", "Streamline file in world coordinates")
	imagePath := fs.String("image", "", "Reference NIfTI image (.nii, .nii.gz or .hdr)")
	trkPath := fs.String("trk", "", "TrackVis file")
	reverse := fs.Bool("reverse", false, "Convert the .trk file back into the .tck file")
	workers := fs.Int("workers", 0, "Number of worker goroutines (default: from config or all CPUs)")
	configPath := fs.String("config", "", "YAML configuration file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *tckPath == "" || *imagePath == "" || *trkPath == "" {
		fs.Usage()
		return fmt.Errorf("%w: convert needs -tck, -image and -trk", errUsage)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *workers > 0 {
		cfg.Processing.NumWorkers = *workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ConfigureLogger(); err != nil {
		return err
	}

	engine := conversion.NewEngine(&conversion.Params{
		NumWorkers: cfg.Processing.NumWorkers,
		VoxelOrder: cfg.Output.VoxelOrder,
		DataType:   cfg.DataType(),
		GzipLevel:  cfg.Output.GzipLevel,
	}).WithLogger(logrus.WithFields(logrus.Fields{
		"component": "conversion",
		"command":   "convert",
	}))

	src, dst := *tckPath, *trkPath
	if *reverse {
		src, dst = dst, src
	}

	start := time.Now()
	if err := engine.ConvertFile(src, *imagePath, dst); err != nil {
		return err
	}
	elapsed := time.Since(start)

	metrics := engine.GetMetrics()
	fmt.Fprintf(stdout, "Converted %s -> %s in %.2f seconds\n", src, dst, elapsed.Seconds())
	fmt.Fprintf(stdout, "Streamlines: %d\n", metrics.Streamlines)
	fmt.Fprintf(stdout, "Points: %d\n", metrics.Points)
	fmt.Fprintf(stdout, "Mean length: %.3f mm (std %.3f)\n", metrics.MeanLength, metrics.StdLength)
	fmt.Fprintf(stdout, "Max round-trip error: %.2e mm\n", metrics.MaxRoundTripError)
	fmt.Fprintf(stdout, "Workers: %d of %d CPUs\n", cfg.Processing.NumWorkers, runtime.NumCPU())
	return nil
}

func runVoxelToWorld(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("voxel2world", stderr)
	voxel := fs.String("voxel", "", "Voxel index as i,j,k")
	imagePath := fs.String("image", "", "Reference NIfTI image (.nii, .nii.gz or .hdr)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *voxel == "" || *imagePath == "" {
		fs.Usage()
		return fmt.Errorf("%w: voxel2world needs -voxel and -image", errUsage)
	}

	v, err := query.ParseVoxel(*voxel)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	w, err := query.VoxelToWorldFile(v, *imagePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, query.FormatWorld(w))
	return nil
}

func runEvents(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("events", stderr)
	verbose := fs.Bool("verbose", false, "Log the arrays being read")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%w: events needs exactly one experiment folder", errUsage)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	fmt.Fprintf(stdout, "[INFO] Experiment folder is %s\n", fs.Arg(0))
	timestamps, labels := events.Locate(fs.Arg(0))
	if *verbose {
		fmt.Fprintf(stdout, "[INFO] Looking for file %s\n", timestamps)
		fmt.Fprintf(stdout, "[INFO] Looking for file %s\n", labels)
	}
	if missing := events.Missing(timestamps, labels); len(missing) > 0 {
		for _, path := range missing {
			fmt.Fprintf(stdout, "  [ERROR] File does not exist: %s\n", path)
		}
		return fmt.Errorf("%w: %d of 2 event files missing", models.ErrIO, len(missing))
	}

	list, err := events.Load(timestamps, labels)
	if err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintf(stdout, "[INFO] There are %d events\n", len(list))
	}
	return events.Format(stdout, list)
}

func runConfig(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("config", stderr)
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%w: config needs exactly one output path", errUsage)
	}
	path := fs.Arg(0)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Default configuration written to %s\n", path)
	return nil
}

// summary describes a track file for the info command.
type summary struct {
	Format        string
	Space         models.Space
	Streamlines   int
	Points        int
	ScalarNames   []string
	PropertyNames []string
	VoxelOrder    string
	Geometry      *models.ImageGeometry
	MeanLength    float64
	StdLength     float64
	MaxLength     float64
}

func summarize(path string) (*summary, error) {
	var (
		c      *models.TrackCollection
		err    error
		format string
	)
	switch name := strings.ToLower(fileio.TrimGzip(path)); {
	case strings.HasSuffix(name, ".tck"):
		format = "tck"
		c, err = tck.ReadFile(path)
	case strings.HasSuffix(name, ".trk"):
		format = "trk"
		c, err = trk.ReadFile(path)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, err
	}

	s := &summary{
		Format:        format,
		Space:         c.Space,
		Streamlines:   len(c.Streamlines),
		Points:        c.NumPoints(),
		ScalarNames:   c.ScalarNames,
		PropertyNames: c.PropertyNames,
		VoxelOrder:    c.VoxelOrder,
		Geometry:      c.Geometry,
	}
	if len(c.Streamlines) > 0 {
		lengths := make([]float64, len(c.Streamlines))
		for i := range c.Streamlines {
			lengths[i] = c.Streamlines[i].Length()
		}
		s.MaxLength = floats.Max(lengths)
		if len(lengths) == 1 {
			s.MeanLength = lengths[0]
		} else {
			s.MeanLength, s.StdLength = stat.MeanStdDev(lengths, nil)
		}
	}
	return s, nil
}

func runInfo(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("info", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%w: info needs exactly one track file", errUsage)
	}

	s, err := summarize(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "File: %s\n", fs.Arg(0))
	fmt.Fprintf(stdout, "Format: %s (%s space)\n", s.Format, s.Space)
	fmt.Fprintf(stdout, "Streamlines: %d\n", s.Streamlines)
	fmt.Fprintf(stdout, "Points: %d\n", s.Points)
	if len(s.ScalarNames) > 0 {
		fmt.Fprintf(stdout, "Scalars: %s\n", strings.Join(s.ScalarNames, ", "))
	}
	if len(s.PropertyNames) > 0 {
		fmt.Fprintf(stdout, "Properties: %s\n", strings.Join(s.PropertyNames, ", "))
	}
	if s.Geometry != nil {
		fmt.Fprintf(stdout, "Dimensions: %d x %d x %d\n", s.Geometry.Dims[0], s.Geometry.Dims[1], s.Geometry.Dims[2])
		fmt.Fprintf(stdout, "Voxel size: %.3f x %.3f x %.3f\n", s.Geometry.VoxelSize[0], s.Geometry.VoxelSize[1], s.Geometry.VoxelSize[2])
	}
	if s.VoxelOrder != "" {
		fmt.Fprintf(stdout, "Voxel order: %s\n", s.VoxelOrder)
	}
	if s.Streamlines > 0 {
		unit := "mm"
		if s.Space == models.SpaceVoxelMM {
			unit = "voxmm"
		}
		fmt.Fprintf(stdout, "Length: mean %.3f, std %.3f, max %.3f %s\n", s.MeanLength, s.StdLength, s.MaxLength, unit)
	}
	return nil
}
