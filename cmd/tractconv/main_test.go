package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tractconv/internal/models"
	"tractconv/pkg/config"
	"tractconv/pkg/nifti"
	"tractconv/pkg/tck"
	"tractconv/pkg/trk"
)

func writeFixtures(t *testing.T) (dir, tckPath, imagePath string) {
	t.Helper()
	dir = t.TempDir()
	tckPath = filepath.Join(dir, "tracks.tck")
	imagePath = filepath.Join(dir, "t1.nii")

	c := models.NewTrackCollection(models.SpaceWorld)
	c.Streamlines = []models.Streamline{
		{Points: [][3]float32{{0, 0, 0}, {3, 4, 0}}},
		{Points: [][3]float32{{1, 0, 0}, {1, 0, 2}, {1, 0, 4}}},
	}
	if err := tck.WriteFile(tckPath, c, tck.WriteOptions{}); err != nil {
		t.Fatalf("Failed to write tracks: %v", err)
	}
	g := models.IdentityGeometry([3]int{10, 10, 10}, [3]float64{2, 2, 2})
	if err := nifti.WriteFile(imagePath, g); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	return dir, tckPath, imagePath
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"explode"}},
		{"convert without flags", []string{"convert"}},
		{"convert bad flag", []string{"convert", "-nope"}},
		{"voxel2world bad voxel", []string{"voxel2world", "-voxel", "1,2", "-image", "x.nii"}},
		{"events without folder", []string{"events"}},
		{"info without file", []string{"info"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tc.args, &stdout, &stderr); code != exitUsage {
				t.Errorf("Expected exit %d, got %d (stderr: %s)", exitUsage, code, stderr.String())
			}
		})
	}
}

func TestConvertAndInfo(t *testing.T) {
	dir, tckPath, imagePath := writeFixtures(t)
	trkPath := filepath.Join(dir, "tracks.trk")

	var stdout, stderr bytes.Buffer
	code := run([]string{"convert", "-tck", tckPath, "-image", imagePath, "-trk", trkPath, "-workers", "2"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("convert exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Streamlines: 2") {
		t.Errorf("Unexpected convert output: %s", stdout.String())
	}

	out, err := trk.ReadFile(trkPath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	// identity 2mm: voxmm equals the world coordinate
	want := [3]float32{3, 4, 0}
	got := out.Streamlines[0].Points[1]
	for axis := range want {
		if math.Abs(float64(got[axis]-want[axis])) > 1e-5 {
			t.Fatalf("Expected voxmm point %v, got %v", want, got)
		}
	}

	stdout.Reset()
	if code := run([]string{"info", trkPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("info exited %d: %s", code, stderr.String())
	}
	for _, want := range []string{"Format: trk (voxmm space)", "Points: 5", "Voxel order: RAS", "Dimensions: 10 x 10 x 10"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("info output missing %q:\n%s", want, stdout.String())
		}
	}
}

func TestConvertReverseWithConfig(t *testing.T) {
	dir, tckPath, imagePath := writeFixtures(t)
	trkPath := filepath.Join(dir, "tracks.trk")
	backPath := filepath.Join(dir, "back.tck")
	configPath := filepath.Join(dir, "tractconv.yaml")

	cfg := config.DefaultConfig()
	cfg.Output.DataType = "float64"
	cfg.Output.VoxelOrder = "LAS"
	cfg.Logging.Level = "warn"
	if err := config.SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"convert", "-tck", tckPath, "-image", imagePath, "-trk", trkPath, "-config", configPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("convert exited %d: %s", code, stderr.String())
	}
	if code := run([]string{"convert", "-reverse", "-tck", backPath, "-image", imagePath, "-trk", trkPath, "-config", configPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("reverse convert exited %d: %s", code, stderr.String())
	}

	f, err := os.Open(backPath)
	if err != nil {
		t.Fatalf("Failed to open round-tripped file: %v", err)
	}
	defer f.Close()
	r, err := tck.NewReader(f)
	if err != nil {
		t.Fatalf("Failed to read round-tripped header: %v", err)
	}
	if r.Header().DataType != tck.Float64 {
		t.Errorf("Expected float64 output from config, got %v", r.Header().DataType)
	}

	out, err := trk.ReadFile(trkPath)
	if err != nil {
		t.Fatalf("Failed to read trk: %v", err)
	}
	if out.VoxelOrder != "LAS" {
		t.Errorf("Expected configured voxel order LAS, got %q", out.VoxelOrder)
	}
}

func TestVoxelToWorldCommand(t *testing.T) {
	_, _, imagePath := writeFixtures(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"voxel2world", "-voxel", "1,2,3", "-image", imagePath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("voxel2world exited %d: %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "2.0000 4.0000 6.0000" {
		t.Errorf("Expected 2.0000 4.0000 6.0000, got %q", got)
	}
}

func TestRuntimeErrorsExitOne(t *testing.T) {
	dir, tckPath, _ := writeFixtures(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"convert", "-tck", tckPath, "-image", filepath.Join(dir, "absent.nii"), "-trk", filepath.Join(dir, "out.trk")}, &stdout, &stderr)
	if code != exitError {
		t.Errorf("Expected exit %d for a missing image, got %d", exitError, code)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.trk")); !os.IsNotExist(err) {
		t.Error("No output should be written when conversion fails")
	}

	if code := run([]string{"info", filepath.Join(dir, "notes.txt")}, &stdout, &stderr); code != exitError {
		t.Errorf("Expected exit %d for an unknown extension, got %d", exitError, code)
	}
	if code := run([]string{"events", dir}, &stdout, &stderr); code != exitError {
		t.Errorf("Expected exit %d for a folder without events, got %d", exitError, code)
	}
}

func TestInfoSingleStreamline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.tck")
	c := models.NewTrackCollection(models.SpaceWorld)
	c.Streamlines = []models.Streamline{{Points: [][3]float32{{0, 0, 0}, {3, 4, 0}}}}
	if err := tck.WriteFile(path, c, tck.WriteOptions{}); err != nil {
		t.Fatalf("Failed to write tracks: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"info", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("info exited %d: %s", code, stderr.String())
	}
	if strings.Contains(stdout.String(), "NaN") {
		t.Errorf("info printed NaN for a single streamline:\n%s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Length: mean 5.000, std 0.000, max 5.000 mm") {
		t.Errorf("Unexpected length line:\n%s", stdout.String())
	}
}

func TestEventsReportsEveryMissingFile(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"events", "-verbose", dir}, &stdout, &stderr); code != exitError {
		t.Fatalf("Expected exit %d, got %d", exitError, code)
	}
	out := stdout.String()
	if !strings.Contains(out, "[INFO] Experiment folder is "+dir) {
		t.Errorf("Missing experiment folder line:\n%s", out)
	}
	if strings.Count(out, "[INFO] Looking for file ") != 2 || strings.Count(out, "[ERROR] File does not exist: ") != 2 {
		t.Fatalf("Expected two lookup and two error lines:\n%s", out)
	}
	for _, name := range []string{"timestamps.npy", "text.npy"} {
		if strings.Count(out, name) != 2 {
			t.Errorf("Expected %s in both the lookup and the error line:\n%s", name, out)
		}
	}
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tractconv.yaml")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"config", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("config exited %d: %s", code, stderr.String())
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if cfg.Output.DataType != "float32" || cfg.Logging.Level != "info" {
		t.Errorf("Expected default values, got %+v", cfg)
	}

	if code := run([]string{"config", path}, &stdout, &stderr); code != exitError {
		t.Errorf("Expected exit %d when the file exists, got %d", exitError, code)
	}
	if code := run([]string{"config", "-force", path}, &stdout, &stderr); code != exitOK {
		t.Errorf("Expected -force to overwrite, got exit %d", code)
	}
}
