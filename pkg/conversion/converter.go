// Package conversion maps streamline collections between world space and
// the voxmm convention of TrackVis files, and drives file-to-file conversion.
package conversion

import (
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
	"tractconv/pkg/affine"
	"tractconv/pkg/nifti"
	"tractconv/pkg/tck"
	"tractconv/pkg/trk"
)

// Metrics summarises the last conversion.
type Metrics struct {
	// Streamlines and Points converted
	Streamlines int
	Points      int

	// MeanLength and StdLength of the streamlines in world millimeters
	MeanLength float64
	StdLength  float64

	// MaxRoundTripError is the largest distance in mm between a source point
	// and the same point mapped back from the output convention
	MaxRoundTripError float64

	// Duration of the point mapping step
	Duration time.Duration
}

// Params holds the conversion settings.
type Params struct {
	// NumWorkers bounds the goroutines mapping streamlines in parallel.
	// Zero means runtime.NumCPU().
	NumWorkers int

	// VoxelOrder overrides the voxel order written to .trk headers.
	VoxelOrder string

	// DataType of values written to the generic streamline format.
	DataType tck.DataType

	// GzipLevel for .gz outputs.
	GzipLevel int
}

// Engine converts track collections. An Engine is not safe for concurrent
// use because it records the metrics of its last run.
type Engine struct {
	params  *Params
	log     *logrus.Entry
	metrics Metrics
}

// NewEngine creates an engine. A nil params uses the defaults.
func NewEngine(params *Params) *Engine {
	if params == nil {
		params = &Params{}
	}
	return &Engine{
		params: params,
		log:    logrus.WithField("component", "conversion"),
	}
}

// WithLogger replaces the engine's logger.
func (e *Engine) WithLogger(entry *logrus.Entry) *Engine {
	e.log = entry
	return e
}

// GetMetrics returns the metrics of the last successful conversion.
func (e *Engine) GetMetrics() Metrics {
	return e.metrics
}

func (e *Engine) workers() int {
	if e.params.NumWorkers > 0 {
		return e.params.NumWorkers
	}
	return runtime.NumCPU()
}

// pointMapper maps one stored point to the output convention and reports
// the distance in mm between the source point and its mapped-back image.
type pointMapper func(p [3]float32) (out [3]float32, roundTrip float64)

// Convert maps a world-space collection into the voxmm convention of g:
// each point goes through the inverse of the image affine and is then
// scaled by the voxel size of its axis. Scalars, properties and the order
// of streamlines and points are preserved. src is not modified.
func (e *Engine) Convert(src *models.TrackCollection, g models.ImageGeometry) (*models.TrackCollection, error) {
	if err := checkInput(src, g, models.SpaceWorld); err != nil {
		return nil, err
	}
	fwd, err := affine.Derive(g)
	if err != nil {
		return nil, err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return nil, err
	}

	vs := g.VoxelSize
	mapper := func(p [3]float32) ([3]float32, float64) {
		world := [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}
		voxel := inv.ApplyPoint(world)
		var out [3]float32
		for axis := 0; axis < 3; axis++ {
			out[axis] = float32(voxel[axis] * vs[axis])
		}
		back := fwd.ApplyPoint(voxmmToVoxel(out, vs))
		return out, distance(world, back)
	}

	dst := e.mapCollection(src, mapper, models.SpaceVoxelMM)
	geometry := g
	dst.Geometry = &geometry
	dst.VoxelOrder = e.params.VoxelOrder
	if dst.VoxelOrder == "" {
		dst.VoxelOrder = fwd.AxisCodes()
	}
	e.metrics.Streamlines = len(dst.Streamlines)
	e.metrics.Points = dst.NumPoints()
	e.lengthStats(src.Streamlines)

	e.log.WithFields(logrus.Fields{
		"streamlines":       e.metrics.Streamlines,
		"points":            e.metrics.Points,
		"voxelOrder":        dst.VoxelOrder,
		"maxRoundTripError": e.metrics.MaxRoundTripError,
		"duration":          e.metrics.Duration,
	}).Info("Converted world-space streamlines to voxmm")

	return dst, nil
}

// ToWorld is the reverse of Convert: voxmm points are divided by the voxel
// size and mapped through the image affine.
func (e *Engine) ToWorld(src *models.TrackCollection, g models.ImageGeometry) (*models.TrackCollection, error) {
	if err := checkInput(src, g, models.SpaceVoxelMM); err != nil {
		return nil, err
	}
	fwd, err := affine.Derive(g)
	if err != nil {
		return nil, err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return nil, err
	}

	vs := g.VoxelSize
	mapper := func(p [3]float32) ([3]float32, float64) {
		world := fwd.ApplyPoint(voxmmToVoxel(p, vs))
		out := [3]float32{float32(world[0]), float32(world[1]), float32(world[2])}
		voxel := inv.ApplyPoint([3]float64{float64(out[0]), float64(out[1]), float64(out[2])})
		back := fwd.ApplyPoint(voxel)
		return out, distance(world, back)
	}

	dst := e.mapCollection(src, mapper, models.SpaceWorld)
	e.metrics.Streamlines = len(dst.Streamlines)
	e.metrics.Points = dst.NumPoints()
	e.lengthStats(dst.Streamlines)

	e.log.WithFields(logrus.Fields{
		"streamlines": e.metrics.Streamlines,
		"points":      e.metrics.Points,
		"duration":    e.metrics.Duration,
	}).Info("Converted voxmm streamlines to world space")

	return dst, nil
}

func checkInput(src *models.TrackCollection, g models.ImageGeometry, want models.Space) error {
	if src == nil {
		return fmt.Errorf("%w: no source collection", models.ErrGeometryMismatch)
	}
	if src.Dimensionality != g.Dimensionality() {
		return fmt.Errorf("%w: %d-dimensional points for a %d-dimensional image",
			models.ErrGeometryMismatch, src.Dimensionality, g.Dimensionality())
	}
	if src.Space != want {
		return fmt.Errorf("%w: source is in %s space, expected %s", models.ErrGeometryMismatch, src.Space, want)
	}
	return src.Validate()
}

func voxmmToVoxel(p [3]float32, vs [3]float64) [3]float64 {
	return [3]float64{
		float64(p[0]) / vs[0],
		float64(p[1]) / vs[1],
		float64(p[2]) / vs[2],
	}
}

func distance(a, b [3]float64) float64 {
	d := [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
	return floats.Norm(d[:], 2)
}

// mapCollection applies mapper to every point. Streamlines are split into
// contiguous chunks, one per worker, and written back by index so the
// output order matches the input.
func (e *Engine) mapCollection(src *models.TrackCollection, mapper pointMapper, space models.Space) *models.TrackCollection {
	start := time.Now()
	dst := models.NewTrackCollection(space)
	dst.Dimensionality = src.Dimensionality
	dst.ScalarNames = append([]string(nil), src.ScalarNames...)
	dst.PropertyNames = append([]string(nil), src.PropertyNames...)

	n := len(src.Streamlines)
	dst.Streamlines = make([]models.Streamline, n)
	roundTrip := make([]float64, n)

	numWorkers := e.workers()
	perWorker := (n + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		first := w * perWorker
		if first >= n {
			break
		}
		last := first + perWorker
		if last > n {
			last = n
		}

		wg.Add(1)
		go func(first, last int) {
			defer wg.Done()
			for i := first; i < last; i++ {
				dst.Streamlines[i], roundTrip[i] = mapStreamline(&src.Streamlines[i], mapper)
			}
		}(first, last)
	}
	wg.Wait()

	e.metrics = Metrics{Duration: time.Since(start)}
	if n > 0 {
		e.metrics.MaxRoundTripError = floats.Max(roundTrip)
	}
	return dst
}

func mapStreamline(s *models.Streamline, mapper pointMapper) (models.Streamline, float64) {
	out := models.Streamline{
		Points: make([][3]float32, len(s.Points)),
	}
	var worst float64
	for j, p := range s.Points {
		var d float64
		out.Points[j], d = mapper(p)
		worst = math.Max(worst, d)
	}
	if s.Scalars != nil {
		out.Scalars = make([][]float32, len(s.Scalars))
		for j, row := range s.Scalars {
			out.Scalars[j] = append([]float32(nil), row...)
		}
	}
	if s.Properties != nil {
		out.Properties = append([]float32(nil), s.Properties...)
	}
	return out, worst
}

// lengthStats fills the length statistics from world-space streamlines.
func (e *Engine) lengthStats(world []models.Streamline) {
	if len(world) == 0 {
		return
	}
	lengths := make([]float64, len(world))
	for i := range world {
		lengths[i] = world[i].Length()
	}
	if len(lengths) == 1 {
		e.metrics.MeanLength = lengths[0]
		return
	}
	e.metrics.MeanLength, e.metrics.StdLength = stat.MeanStdDev(lengths, nil)
}

// Direction of a file conversion, picked from the file extensions.
type Direction int

const (
	// TckToTrk converts world-space streamlines into a .trk file.
	TckToTrk Direction = iota + 1
	// TrkToTck converts a .trk file back into world space.
	TrkToTck
)

// DetectDirection infers the conversion direction from the source and
// destination extensions, ignoring a trailing .gz.
func DetectDirection(srcPath, dstPath string) (Direction, error) {
	src := strings.ToLower(fileio.TrimGzip(srcPath))
	dst := strings.ToLower(fileio.TrimGzip(dstPath))
	switch {
	case strings.HasSuffix(src, ".tck") && strings.HasSuffix(dst, ".trk"):
		return TckToTrk, nil
	case strings.HasSuffix(src, ".trk") && strings.HasSuffix(dst, ".tck"):
		return TrkToTck, nil
	default:
		return 0, fmt.Errorf("%w: cannot convert %s to %s", models.ErrUnsupportedFormat, srcPath, dstPath)
	}
}

// ConvertFile reads srcPath, places it using the header of imagePath and
// writes dstPath. The output is written to a temporary file and renamed
// only after every streamline has been encoded.
func (e *Engine) ConvertFile(srcPath, imagePath, dstPath string) error {
	direction, err := DetectDirection(srcPath, dstPath)
	if err != nil {
		return err
	}
	log := e.log.WithFields(logrus.Fields{
		"source":      srcPath,
		"image":       imagePath,
		"destination": dstPath,
	})

	geometry, err := nifti.ReadGeometry(imagePath)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"dims":      geometry.Dims,
		"voxelSize": geometry.VoxelSize,
	}).Debug("Loaded reference geometry")

	switch direction {
	case TckToTrk:
		src, err := tck.ReadFile(srcPath)
		if err != nil {
			return err
		}
		out, err := e.Convert(src, geometry)
		if err != nil {
			return &models.TrackError{Op: "convert", Path: srcPath, Err: err}
		}
		opts := trk.WriteOptions{VoxelOrder: e.params.VoxelOrder, GzipLevel: e.params.GzipLevel}
		if err := trk.WriteFile(dstPath, out, opts); err != nil {
			return err
		}

	case TrkToTck:
		src, err := trk.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if src.Geometry != nil && src.Geometry.Dims != geometry.Dims {
			log.WithFields(logrus.Fields{
				"trkDims":   src.Geometry.Dims,
				"imageDims": geometry.Dims,
			}).Warn("Track header and image disagree on dimensions")
		}
		out, err := e.ToWorld(src, geometry)
		if err != nil {
			return &models.TrackError{Op: "convert", Path: srcPath, Err: err}
		}
		opts := tck.WriteOptions{DataType: e.params.DataType, GzipLevel: e.params.GzipLevel}
		if err := tck.WriteFile(dstPath, out, opts); err != nil {
			return err
		}
	}

	log.WithField("streamlines", e.metrics.Streamlines).Info("Wrote converted tracks")
	return nil
}
