package conversion

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"tractconv/internal/models"
	"tractconv/pkg/affine"
	"tractconv/pkg/nifti"
	"tractconv/pkg/tck"
	"tractconv/pkg/trk"
)

const eps = 1e-4

func obliqueGeometry() models.ImageGeometry {
	c, s := math.Cos(0.3), math.Sin(0.3)
	return models.ImageGeometry{
		Dims:      [3]int{128, 128, 60},
		VoxelSize: [3]float64{1.8, 1.8, 2.5},
		Direction: [3][3]float64{
			{-c, s, 0},
			{s, c, 0},
			{0, 0, 1},
		},
		Origin: [3]float64{115, -98, -60},
	}
}

func randomCollection(rng *rand.Rand, n int) *models.TrackCollection {
	c := models.NewTrackCollection(models.SpaceWorld)
	c.ScalarNames = []string{"fa"}
	c.PropertyNames = []string{"weight"}
	for i := 0; i < n; i++ {
		var s models.Streamline
		points := 2 + rng.Intn(20)
		for j := 0; j < points; j++ {
			s.Points = append(s.Points, [3]float32{
				float32(rng.Float64()*180 - 90),
				float32(rng.Float64()*220 - 120),
				float32(rng.Float64()*140 - 60),
			})
			s.Scalars = append(s.Scalars, []float32{float32(rng.Float64())})
		}
		s.Properties = []float32{float32(i)}
		c.Streamlines = append(c.Streamlines, s)
	}
	return c
}

// TestVoxelSizeScalingAppliedOnce is the 2mm identity scenario: world (1,0,0)
// is voxel (0.5,0,0) and must be stored as 0.5*2 = 1.0
func TestVoxelSizeScalingAppliedOnce(t *testing.T) {
	g := models.IdentityGeometry([3]int{10, 10, 10}, [3]float64{2, 2, 2})
	src := models.NewTrackCollection(models.SpaceWorld)
	src.Streamlines = []models.Streamline{{Points: [][3]float32{{0, 0, 0}, {1, 0, 0}}}}

	out, err := NewEngine(&Params{NumWorkers: 1}).Convert(src, g)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	got := out.Streamlines[0].Points
	expected := [][3]float32{{0, 0, 0}, {1, 0, 0}}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Point %d: expected %v, got %v", i, expected[i], got[i])
		}
	}

	fwd, _ := affine.Derive(g)
	p := got[1]
	back := fwd.Apply(models.VoxelCoordinate{float64(p[0]) / 2, float64(p[1]) / 2, float64(p[2]) / 2})
	if math.Abs(back[0]-1) > 1e-9 || back[1] != 0 || back[2] != 0 {
		t.Errorf("Expected round trip (1,0,0), got %v", back)
	}

	if out.Space != models.SpaceVoxelMM {
		t.Errorf("Expected voxmm output, got %v", out.Space)
	}
	if out.VoxelOrder != "RAS" {
		t.Errorf("Expected voxel order RAS, got %s", out.VoxelOrder)
	}
	if out.Geometry == nil || out.Geometry.VoxelSize != g.VoxelSize {
		t.Errorf("Expected output to carry the geometry, got %+v", out.Geometry)
	}
}

// TestConversionConsistency maps the output back with apply(derive(g), p/voxelSize)
func TestConversionConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := obliqueGeometry()
	src := randomCollection(rng, 40)

	engine := NewEngine(&Params{NumWorkers: 4})
	out, err := engine.Convert(src, g)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	fwd, err := affine.Derive(g)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	for i := range src.Streamlines {
		for j, p := range out.Streamlines[i].Points {
			voxel := models.VoxelCoordinate{
				float64(p[0]) / g.VoxelSize[0],
				float64(p[1]) / g.VoxelSize[1],
				float64(p[2]) / g.VoxelSize[2],
			}
			world := fwd.Apply(voxel)
			orig := src.Streamlines[i].Points[j]
			for axis := 0; axis < 3; axis++ {
				if math.Abs(world[axis]-float64(orig[axis])) > eps {
					t.Fatalf("Streamline %d point %d: expected %v, got %v", i, j, orig, world)
				}
			}
		}
	}

	metrics := engine.GetMetrics()
	if metrics.Streamlines != 40 || metrics.Points != src.NumPoints() {
		t.Errorf("Unexpected metrics counts %+v", metrics)
	}
	if metrics.MaxRoundTripError > eps {
		t.Errorf("Round-trip error %g exceeds %g", metrics.MaxRoundTripError, eps)
	}
	if metrics.MeanLength <= 0 || metrics.StdLength <= 0 {
		t.Errorf("Expected positive length statistics, got %+v", metrics)
	}
}

func TestOrderAndPayloadPreserved(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	g := obliqueGeometry()
	src := randomCollection(rng, 257)
	before := src.Streamlines[3].Points[0]

	serial, err := NewEngine(&Params{NumWorkers: 1}).Convert(src, g)
	if err != nil {
		t.Fatalf("Serial convert failed: %v", err)
	}
	parallel, err := NewEngine(&Params{NumWorkers: 16}).Convert(src, g)
	if err != nil {
		t.Fatalf("Parallel convert failed: %v", err)
	}

	for i := range src.Streamlines {
		s, p := serial.Streamlines[i], parallel.Streamlines[i]
		if p.Properties[0] != float32(i) {
			t.Fatalf("Streamline %d moved: property is %f", i, p.Properties[0])
		}
		for j := range s.Points {
			if s.Points[j] != p.Points[j] {
				t.Fatalf("Streamline %d point %d differs between serial and parallel", i, j)
			}
			if p.Scalars[j][0] != src.Streamlines[i].Scalars[j][0] {
				t.Fatalf("Streamline %d point %d scalar was altered", i, j)
			}
		}
	}

	if src.Streamlines[3].Points[0] != before || src.Space != models.SpaceWorld {
		t.Error("Source collection was modified")
	}
	parallel.Streamlines[0].Scalars[0][0] = -1
	if src.Streamlines[0].Scalars[0][0] == -1 {
		t.Error("Output scalars alias the source")
	}
}

func TestConvertEmptyCollection(t *testing.T) {
	g := models.IdentityGeometry([3]int{4, 4, 4}, [3]float64{1, 1, 1})
	out, err := NewEngine(nil).Convert(models.NewTrackCollection(models.SpaceWorld), g)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(out.Streamlines) != 0 {
		t.Errorf("Expected no streamlines, got %d", len(out.Streamlines))
	}
}

func TestConvertRejectsMismatches(t *testing.T) {
	g := models.IdentityGeometry([3]int{4, 4, 4}, [3]float64{1, 1, 1})
	engine := NewEngine(nil)

	flat := models.NewTrackCollection(models.SpaceWorld)
	flat.Dimensionality = 2
	if _, err := engine.Convert(flat, g); !errors.Is(err, models.ErrGeometryMismatch) {
		t.Errorf("Expected ErrGeometryMismatch for 2-D points, got %v", err)
	}

	voxmm := models.NewTrackCollection(models.SpaceVoxelMM)
	if _, err := engine.Convert(voxmm, g); !errors.Is(err, models.ErrGeometryMismatch) {
		t.Errorf("Expected ErrGeometryMismatch for voxmm input, got %v", err)
	}

	bad := g
	bad.VoxelSize[0] = 0
	if _, err := engine.Convert(models.NewTrackCollection(models.SpaceWorld), bad); !errors.Is(err, models.ErrGeometry) {
		t.Errorf("Expected ErrGeometry, got %v", err)
	}
}

func TestToWorldInvertsConvert(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	g := obliqueGeometry()
	src := randomCollection(rng, 12)
	engine := NewEngine(&Params{NumWorkers: 3})

	voxmm, err := engine.Convert(src, g)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	world, err := engine.ToWorld(voxmm, g)
	if err != nil {
		t.Fatalf("ToWorld failed: %v", err)
	}
	if world.Space != models.SpaceWorld {
		t.Errorf("Expected world space, got %v", world.Space)
	}
	for i := range src.Streamlines {
		for j, p := range src.Streamlines[i].Points {
			q := world.Streamlines[i].Points[j]
			for axis := 0; axis < 3; axis++ {
				if math.Abs(float64(p[axis]-q[axis])) > eps {
					t.Fatalf("Streamline %d point %d: expected %v, got %v", i, j, p, q)
				}
			}
		}
	}
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		src, dst string
		want     Direction
		wantErr  bool
	}{
		{"a.tck", "b.trk", TckToTrk, false},
		{"a.tck.gz", "b.TRK", TckToTrk, false},
		{"a.trk", "b.tck.gz", TrkToTck, false},
		{"a.tck", "b.tck", 0, true},
		{"a.vtk", "b.trk", 0, true},
	}
	for _, tc := range tests {
		got, err := DetectDirection(tc.src, tc.dst)
		if (err != nil) != tc.wantErr {
			t.Errorf("DetectDirection(%s, %s) error = %v", tc.src, tc.dst, err)
			continue
		}
		if got != tc.want {
			t.Errorf("DetectDirection(%s, %s) = %v, expected %v", tc.src, tc.dst, got, tc.want)
		}
	}
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	g := obliqueGeometry()
	src := randomCollection(rand.New(rand.NewSource(5)), 20)

	tckPath := filepath.Join(dir, "tracks.tck.gz")
	imagePath := filepath.Join(dir, "t1.nii.gz")
	trkPath := filepath.Join(dir, "tracks.trk")
	backPath := filepath.Join(dir, "back.tck")

	if err := tck.WriteFile(tckPath, src, tck.WriteOptions{}); err != nil {
		t.Fatalf("Failed to write source tracks: %v", err)
	}
	if err := nifti.WriteFile(imagePath, g); err != nil {
		t.Fatalf("Failed to write image header: %v", err)
	}

	engine := NewEngine(&Params{NumWorkers: 2})
	if err := engine.ConvertFile(tckPath, imagePath, trkPath); err != nil {
		t.Fatalf("ConvertFile tck->trk failed: %v", err)
	}
	converted, err := trk.ReadFile(trkPath)
	if err != nil {
		t.Fatalf("Failed to read converted tracks: %v", err)
	}
	if len(converted.Streamlines) != 20 || converted.NumScalars() != 1 || converted.NumProperties() != 1 {
		t.Errorf("Unexpected converted collection: %d streamlines, %d scalars, %d properties",
			len(converted.Streamlines), converted.NumScalars(), converted.NumProperties())
	}

	if err := engine.ConvertFile(trkPath, imagePath, backPath); err != nil {
		t.Fatalf("ConvertFile trk->tck failed: %v", err)
	}
	back, err := tck.ReadFile(backPath)
	if err != nil {
		t.Fatalf("Failed to read round-tripped tracks: %v", err)
	}
	for i := range src.Streamlines {
		for j, p := range src.Streamlines[i].Points {
			q := back.Streamlines[i].Points[j]
			for axis := 0; axis < 3; axis++ {
				// the image header stores the affine as float32
				if math.Abs(float64(p[axis]-q[axis])) > 1e-3 {
					t.Fatalf("Streamline %d point %d: expected %v, got %v", i, j, p, q)
				}
			}
		}
	}
}

func TestConvertFileFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	g := models.IdentityGeometry([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	imagePath := filepath.Join(dir, "t1.nii")
	if err := nifti.WriteFile(imagePath, g); err != nil {
		t.Fatalf("Failed to write image header: %v", err)
	}

	tckPath := filepath.Join(dir, "bad.tck")
	if err := os.WriteFile(tckPath, []byte("definitely not a track file"), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	trkPath := filepath.Join(dir, "out.trk")

	err := NewEngine(nil).ConvertFile(tckPath, imagePath, trkPath)
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, statErr := os.Stat(trkPath); !os.IsNotExist(statErr) {
		t.Errorf("Destination should not exist after a failed conversion")
	}

	if err := NewEngine(nil).ConvertFile(tckPath, filepath.Join(dir, "absent.nii"), trkPath); !errors.Is(err, models.ErrIO) {
		t.Errorf("Expected ErrIO for a missing image, got %v", err)
	}
}
