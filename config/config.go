// Package config reads the JSON configuration of a streaming session: scheduler budgets, decode
// pool sizing, the datasets to load and the mask applied to them.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/spatialmath"
	"go.viam.com/potree/visibility"
)

// Config is a streaming session. Zero values keep the scheduler's defaults.
type Config struct {
	// Name labels the metrics of the session's scheduler.
	Name               string                        `json:"name"`
	PointBudget        int                           `json:"point_budget"`
	MaxNumNodesLoading int                           `json:"max_num_nodes_loading"`
	MaxLoadsToGPU      int                           `json:"max_loads_to_gpu"`
	MaxLoaderWorkers   int                           `json:"max_loader_workers"`
	WorkerMaxIdle      time.Duration                 `json:"worker_max_idle"`
	Datasets           []DatasetConfig               `json:"datasets"`
	Mask               *MaskConfig                   `json:"mask"`
	// Log sets logger levels by name pattern, e.g. {"pattern": "*.lru", "level": "debug"}.
	Log                []logging.LoggerPatternConfig `json:"log"`
}

// DatasetConfig describes a dataset to load and how to place it.
type DatasetConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Hidden datasets are loaded but take no part in updates.
	Hidden           bool    `json:"hidden"`
	MaxLevel         *int    `json:"max_level"`
	MinNodePixelSize float64 `json:"min_node_pixel_size"`
	// Position moves the dataset's minimum corner. The dataset stays where its metadata places it
	// when empty.
	Position  []float64   `json:"position"`
	ClipMode  string      `json:"clip_mode"`
	ClipBoxes [][]float64 `json:"clip_boxes"`
}

// MaskConfig is the JSON form of visibility.MaskConfig.
type MaskConfig struct {
	DefaultOpacity *float64           `json:"default_opacity"`
	Policy         string             `json:"policy"`
	Regions        []MaskRegionConfig `json:"regions"`
}

// MaskRegionConfig is the JSON form of visibility.MaskRegion.
type MaskRegionConfig struct {
	ID  string    `json:"id"`
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
	// ModelMatrix is 16 column major values mapping world space into the region's space. It
	// defaults to the identity.
	ModelMatrix []float64 `json:"model_matrix"`
	Opacity     float64   `json:"opacity"`
}

var clipModes = map[string]visibility.ClipMode{
	"":                 visibility.ClipDisabled,
	"disabled":         visibility.ClipDisabled,
	"clip_outside":     visibility.ClipOutside,
	"highlight_inside": visibility.ClipHighlightInside,
}

var maskPolicies = map[string]visibility.MaskPolicy{
	"":            visibility.MaskFirstMatch,
	"first_match": visibility.MaskFirstMatch,
	"max_opacity": visibility.MaskMaxOpacity,
}

// Read reads and validates the configuration file at path.
func Read(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return FromReader(f)
}

// FromReader decodes and validates a configuration. Unknown keys are rejected.
func FromReader(r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config from json")
	}

	var conf Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &conf,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := conf.Validate(""); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate reports the first invalid field under path.
func (conf *Config) Validate(path string) error {
	for field, v := range map[string]int{
		"point_budget":          conf.PointBudget,
		"max_num_nodes_loading": conf.MaxNumNodesLoading,
		"max_loads_to_gpu":      conf.MaxLoadsToGPU,
		"max_loader_workers":    conf.MaxLoaderWorkers,
	} {
		if v < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", field))
		}
	}
	if conf.WorkerMaxIdle < 0 {
		return utils.NewConfigValidationError(path, errors.New("worker_max_idle cannot be negative"))
	}
	for i, d := range conf.Datasets {
		if err := d.Validate(joinPath(path, fmt.Sprintf("datasets.%d", i))); err != nil {
			return err
		}
	}
	for i, lpc := range conf.Log {
		if err := lpc.Validate(); err != nil {
			return utils.NewConfigValidationError(joinPath(path, fmt.Sprintf("log.%d", i)), err)
		}
	}
	if conf.Mask != nil {
		if err := conf.Mask.Validate(joinPath(path, "mask")); err != nil {
			return err
		}
	}
	return nil
}

// SchedulerOptions returns the options creating a scheduler for this configuration.
func (conf *Config) SchedulerOptions() []visibility.Option {
	var opts []visibility.Option
	if conf.Name != "" {
		opts = append(opts, visibility.WithName(conf.Name))
	}
	if conf.PointBudget > 0 {
		opts = append(opts, visibility.WithPointBudget(conf.PointBudget))
	}
	if conf.MaxNumNodesLoading > 0 {
		opts = append(opts, visibility.WithMaxNumNodesLoading(conf.MaxNumNodesLoading))
	}
	if conf.MaxLoadsToGPU > 0 {
		opts = append(opts, visibility.WithMaxLoadsToGPU(conf.MaxLoadsToGPU))
	}
	if conf.MaxLoaderWorkers > 0 {
		opts = append(opts, visibility.WithMaxLoaderWorkers(conf.MaxLoaderWorkers))
	}
	if conf.WorkerMaxIdle > 0 {
		opts = append(opts, visibility.WithWorkerMaxIdle(conf.WorkerMaxIdle))
	}
	return opts
}

// Validate reports the first invalid field under path.
func (d *DatasetConfig) Validate(path string) error {
	if d.URL == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "url")
	}
	if d.MaxLevel != nil && *d.MaxLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_level cannot be negative"))
	}
	if d.MinNodePixelSize < 0 {
		return utils.NewConfigValidationError(path, errors.New("min_node_pixel_size cannot be negative"))
	}
	if len(d.Position) != 0 && len(d.Position) != 3 {
		return utils.NewConfigValidationError(path, errors.Errorf("position must have 3 values, got %d", len(d.Position)))
	}
	if _, ok := clipModes[d.ClipMode]; !ok {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown clip_mode %q", d.ClipMode))
	}
	for i, m := range d.ClipBoxes {
		if len(m) != 16 {
			return utils.NewConfigValidationError(path, errors.Errorf("clip_boxes.%d must have 16 values, got %d", i, len(m)))
		}
	}
	return nil
}

// Apply sets the placement and traversal settings of ds.
func (d *DatasetConfig) Apply(ds *visibility.Dataset) {
	if d.Name != "" {
		ds.Name = d.Name
	}
	ds.Visible = !d.Hidden
	if d.MaxLevel != nil {
		ds.MaxLevel = *d.MaxLevel
	}
	if d.MinNodePixelSize > 0 {
		ds.MinNodePixelSize = d.MinNodePixelSize
	}
	if len(d.Position) == 3 {
		ds.World = spatialmath.TranslationMatrix(r3.Vector{X: d.Position[0], Y: d.Position[1], Z: d.Position[2]})
	}
	ds.ClipMode = clipModes[d.ClipMode]
	ds.ClipBoxes = nil
	for _, m := range d.ClipBoxes {
		ds.ClipBoxes = append(ds.ClipBoxes, matrix(m))
	}
}

// Validate reports the first invalid field under path.
func (m *MaskConfig) Validate(path string) error {
	if _, ok := maskPolicies[m.Policy]; !ok {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown policy %q", m.Policy))
	}
	if m.DefaultOpacity != nil && (*m.DefaultOpacity < 0 || *m.DefaultOpacity > 1) {
		return utils.NewConfigValidationError(path, errors.New("default_opacity must be between 0 and 1"))
	}
	for i, r := range m.Regions {
		regionPath := joinPath(path, fmt.Sprintf("regions.%d", i))
		if len(r.Min) != 3 {
			return utils.NewConfigValidationFieldRequiredError(regionPath, "min")
		}
		if len(r.Max) != 3 {
			return utils.NewConfigValidationFieldRequiredError(regionPath, "max")
		}
		if len(r.ModelMatrix) != 0 && len(r.ModelMatrix) != 16 {
			return utils.NewConfigValidationError(regionPath, errors.Errorf("model_matrix must have 16 values, got %d", len(r.ModelMatrix)))
		}
		if r.Opacity < 0 || r.Opacity > 1 {
			return utils.NewConfigValidationError(regionPath, errors.New("opacity must be between 0 and 1"))
		}
	}
	return nil
}

// MaskConfig converts the mask. The default opacity is 1 unless set.
func (m *MaskConfig) MaskConfig() visibility.MaskConfig {
	out := visibility.DefaultMaskConfig()
	out.Policy = maskPolicies[m.Policy]
	if m.DefaultOpacity != nil {
		out.DefaultOpacity = *m.DefaultOpacity
	}
	for _, r := range m.Regions {
		region := visibility.MaskRegion{
			ID:          r.ID,
			ModelMatrix: mgl64.Ident4(),
			Min:         r3.Vector{X: r.Min[0], Y: r.Min[1], Z: r.Min[2]},
			Max:         r3.Vector{X: r.Max[0], Y: r.Max[1], Z: r.Max[2]},
			Opacity:     r.Opacity,
		}
		if len(r.ModelMatrix) == 16 {
			region.ModelMatrix = matrix(r.ModelMatrix)
		}
		out.Regions = append(out.Regions, region)
	}
	return out
}

func matrix(values []float64) mgl64.Mat4 {
	var m mgl64.Mat4
	copy(m[:], values)
	return m
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
