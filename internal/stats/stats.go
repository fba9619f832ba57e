// Package stats measures per-channel statistics of preprocessed crops so the
// normalisation constants can be checked against a dataset.
package stats

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/types"
)

// ChannelStats summarises R, G and B values scaled to [0,1]
type ChannelStats struct {
	Images int                      `json:"images"`
	Pixels int                      `json:"pixels"`
	Mean   [types.Channels]float64 `json:"mean"`
	Std    [types.Channels]float64 `json:"std"`
	// ImageMeanStd is the spread of per-image channel means
	ImageMeanStd [types.Channels]float64 `json:"image_mean_std"`
}

// Accumulator collects per-image channel moments. It is safe for
// concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	means   [types.Channels][]float64
	vars    [types.Channels][]float64
	weights []float64
}

// Add records the pixels of img
func (a *Accumulator) Add(img *image.NRGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}

	var planes [types.Channels][]float64
	for c := range planes {
		planes[c] = make([]float64, 0, w*h)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < types.Channels; c++ {
				planes[c] = append(planes[c], float64(row[x*4+c])/255)
			}
		}
	}

	var means, vars [types.Channels]float64
	for c := range planes {
		means[c], vars[c] = stat.PopMeanVariance(planes[c], nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range planes {
		a.means[c] = append(a.means[c], means[c])
		a.vars[c] = append(a.vars[c], vars[c])
	}
	a.weights = append(a.weights, float64(w*h))
}

// Result pools the recorded moments
func (a *Accumulator) Result() ChannelStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := ChannelStats{Images: len(a.weights)}
	if out.Images == 0 {
		return out
	}
	for _, w := range a.weights {
		out.Pixels += int(w)
	}

	for c := 0; c < types.Channels; c++ {
		mean := stat.Mean(a.means[c], a.weights)

		// E[x^2] per image is var + mean^2
		second := make([]float64, len(a.means[c]))
		for i, m := range a.means[c] {
			second[i] = a.vars[c][i] + m*m
		}
		variance := stat.Mean(second, a.weights) - mean*mean

		out.Mean[c] = mean
		out.Std[c] = math.Sqrt(math.Max(variance, 0))
		if out.Images > 1 {
			_, out.ImageMeanStd[c] = stat.MeanStdDev(a.means[c], nil)
		}
	}
	return out
}

// Loader opens one image by path or URL
type Loader func(ctx context.Context, source string) (image.Image, error)

// Collector runs images through the preprocessing stages and accumulates
// the final 224x224 crops.
type Collector struct {
	pipeline *pipeline.Pipeline
	load     Loader
	cfg      types.PipelineConfig
	workers  int
	logger   *zap.Logger
}

// NewCollector creates a collector. workers <= 0 uses GOMAXPROCS.
func NewCollector(p *pipeline.Pipeline, load Loader, cfg types.PipelineConfig, workers int, logger *zap.Logger) *Collector {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{pipeline: p, load: load, cfg: cfg, workers: workers, logger: logger}
}

// Collect processes sources and returns the pooled statistics. Images that
// fail to load or preprocess are skipped and counted in skipped.
func (c *Collector) Collect(ctx context.Context, sources []string) (result ChannelStats, skipped int, err error) {
	var (
		acc   Accumulator
		mu    sync.Mutex
		wg    sync.WaitGroup
		queue = make(chan string)
	)

	for w := 0; w < c.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for source := range queue {
				if err := c.collectOne(ctx, &acc, source); err != nil {
					c.logger.Warn("skipping image", zap.String("source", source), zap.Error(err))
					mu.Lock()
					skipped++
					mu.Unlock()
				}
			}
		}()
	}

	for _, source := range sources {
		if ctx.Err() != nil {
			break
		}
		queue <- source
	}
	close(queue)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return ChannelStats{}, skipped, err
	}
	return acc.Result(), skipped, nil
}

func (c *Collector) collectOne(ctx context.Context, acc *Accumulator, source string) error {
	img, err := c.load(ctx, source)
	if err != nil {
		return err
	}
	images, err := c.pipeline.Preprocess(ctx, img, c.cfg)
	if err != nil {
		return err
	}
	if images.Final == nil {
		return fmt.Errorf("no final crop for %s", source)
	}
	acc.Add(images.Final)
	return nil
}
