// Package main streams point cloud datasets without rendering them. A camera orbits the datasets
// while visibility updates select, load and evict their nodes; every frame is logged and a summary
// is reported at the end.
package main

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/potree/config"
	"go.viam.com/potree/loader"
	"go.viam.com/potree/logging"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/visibility"
)

var logger = logging.NewLogger("potree-stream")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Metadata string `flag:"0,usage=metadata document path or URL"`
	Frames   int    `flag:"frames,default=20,usage=number of frames to run"`
	Budget   int    `flag:"budget,usage=point budget"`
	Config   string `flag:"config,usage=session config file"`
	LAS      string `flag:"las,usage=write the points displayed by the last frame to this LAS file"`
	Timeout  int    `flag:"load-timeout,default=30,usage=seconds a frame waits for its loads"`
	Debug    bool   `flag:"debug,usage=log every frame"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	conf := &config.Config{}
	if argsParsed.Config != "" {
		conf, err = config.Read(argsParsed.Config)
		if err != nil {
			return err
		}
	}
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	if err := logging.UpdateLoggerLevels(conf.Log); err != nil {
		return err
	}
	if argsParsed.Metadata != "" {
		conf.Datasets = append(conf.Datasets, config.DatasetConfig{URL: argsParsed.Metadata})
	}
	if len(conf.Datasets) == 0 {
		return errors.New("no dataset to stream; pass a metadata path or a config with datasets")
	}

	opts := conf.SchedulerOptions()
	if argsParsed.Budget > 0 {
		opts = append(opts, visibility.WithPointBudget(argsParsed.Budget))
	}
	s := visibility.New(logger, opts...)
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()
	if conf.Mask != nil {
		s.SetMaskConfig(conf.Mask.MaskConfig())
	}

	datasets := make([]*visibility.Dataset, 0, len(conf.Datasets))
	for i := range conf.Datasets {
		dc := &conf.Datasets[i]
		d, err := s.LoadPointCloud(ctx, dc.URL, nil, requesterFor(dc.URL))
		if err != nil {
			return err
		}
		dc.Apply(d)
		datasets = append(datasets, d)
	}

	frames, err := run(ctx, s, datasets, argsParsed.Frames, time.Duration(argsParsed.Timeout)*time.Second, logger)
	if err != nil {
		return err
	}
	summarize(frames, logger)

	if argsParsed.LAS != "" {
		if err := writeLAS(argsParsed.LAS, datasets); err != nil {
			return errors.Wrapf(err, "writing %s", argsParsed.LAS)
		}
		logger.Infow("wrote visible points", "file", argsParsed.LAS)
	}
	return nil
}

func requesterFor(url string) loader.Requester {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return loader.HTTPRequester(nil)
	}
	return loader.FileRequester()
}

type frameStats struct {
	visiblePoints float64
	visibleNodes  float64
	loads         float64
	seconds       float64
}

// run orbits the camera once around the datasets over the given number of frames. Every frame
// waits for the loads it requested so that the next one can display them.
func run(
	ctx context.Context,
	s *visibility.Scheduler,
	datasets []*visibility.Dataset,
	numFrames int,
	loadTimeout time.Duration,
	logger logging.Logger,
) ([]frameStats, error) {
	bounds := spatialmath.EmptyBox()
	for _, d := range datasets {
		bounds = bounds.Union(d.BoundingBoxWorld())
	}
	center := bounds.Center()
	radius := math.Max(bounds.Size().Norm()/2, 1)

	viewport := visibility.Viewport{Width: 1920, Height: 1080, PixelRatio: 1}
	camera := visibility.NewPerspectiveCamera(60, 16.0/9, 0.01*radius, 100*radius)

	var frames []frameStats
	for frame := 0; frame < numFrames; frame++ {
		angle := 2 * math.Pi * float64(frame) / float64(numFrames)
		eye := center.Add(r3.Vector{X: 2 * radius * math.Cos(angle), Y: 2 * radius * math.Sin(angle), Z: radius})
		camera.LookAt(eye, center, r3.Vector{Z: 1})

		start := time.Now()
		res := s.Update(datasets, camera, viewport)
		elapsed := time.Since(start)
		logger.Debugw("frame",
			"frame", frame,
			"visible_nodes", len(res.VisibleNodes),
			"visible_points", res.NumVisiblePoints,
			"loads", len(res.NodeLoadFutures),
			"exceeded_max_loads_to_gpu", res.ExceededMaxLoadsToGPU,
			"node_load_failed", res.NodeLoadFailed,
		)
		frames = append(frames, frameStats{
			visiblePoints: float64(res.NumVisiblePoints),
			visibleNodes:  float64(len(res.VisibleNodes)),
			loads:         float64(len(res.NodeLoadFutures)),
			seconds:       elapsed.Seconds(),
		})

		waitCtx, cancel := context.WithTimeout(ctx, loadTimeout)
		err := loader.WaitAll(waitCtx, res.NodeLoadFutures)
		cancel()
		switch {
		case ctx.Err() != nil:
			return frames, ctx.Err()
		case err != nil:
			logger.Warnw("some node loads failed", "frame", frame, "error", err)
		}
	}

	// a last frame displays what the final loads brought in
	s.Update(datasets, camera, viewport)
	return frames, nil
}

func summarize(frames []frameStats, logger logging.Logger) {
	if len(frames) == 0 {
		return
	}
	column := func(get func(frameStats) float64) []float64 {
		values := make([]float64, len(frames))
		for i, f := range frames {
			values[i] = get(f)
		}
		return values
	}
	points := column(func(f frameStats) float64 { return f.visiblePoints })
	nodes := column(func(f frameStats) float64 { return f.visibleNodes })
	loads := column(func(f frameStats) float64 { return f.loads })
	seconds := column(func(f frameStats) float64 { return f.seconds })
	sort.Float64s(seconds)

	meanPoints, stdPoints := stat.MeanStdDev(points, nil)
	logger.Infow("stream summary",
		"frames", len(frames),
		"mean_visible_points", meanPoints,
		"stddev_visible_points", stdPoints,
		"max_visible_points", floats.Max(points),
		"mean_visible_nodes", stat.Mean(nodes, nil),
		"total_loads", floats.Sum(loads),
		"median_update_seconds", stat.Quantile(0.5, stat.Empirical, seconds, nil),
		"p95_update_seconds", stat.Quantile(0.95, stat.Empirical, seconds, nil),
	)
}

// writeLAS writes the points of every displayed node in world space.
func writeLAS(fn string, datasets []*visibility.Dataset) error {
	var parts []pointcloud.PlacedBuffers
	for _, d := range datasets {
		for _, n := range d.VisibleNodes() {
			if n.Buffers == nil {
				continue
			}
			parts = append(parts, pointcloud.PlacedBuffers{
				Origin:  spatialmath.TransformPoint(d.World, d.Geometry.PositionOrigin(n)),
				Buffers: n.Buffers,
			})
		}
	}
	return pointcloud.WriteToLASFile(fn, parts...)
}
