package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/menta2k/retina-grader/internal/auth"
	"github.com/menta2k/retina-grader/internal/config"
	"github.com/menta2k/retina-grader/internal/stats"
	"github.com/menta2k/retina-grader/internal/utils"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/processing"
	"github.com/menta2k/retina-grader/pkg/types"
)

var (
	statsInput   string
	statsWorkers int

	probeInput string
	probeModel modelFlags

	configOut   string
	configForce bool

	tokenSubject string
	tokenTTL     time.Duration
)

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "Measure per-channel mean and std of preprocessed crops over a directory",
	Description: `Stats runs every image through crop, pad, enhance, resize and centre crop, then reports the
channel mean and standard deviation next to the normalisation constants in the config.`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Directory of fundus images",
			Aliases:     []string{"i"},
			Destination: &statsInput,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Parallel images, 0 means one per CPU",
			Aliases:     []string{"w"},
			Destination: &statsWorkers,
		},
	}, toggleFlags()...),
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pcfg, err := toggles(ctx, cfg)
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		opts, err := pipelineOptions(cfg, logger)
		if err != nil {
			return err
		}
		sources, err := collectSources(statsInput)
		if err != nil {
			return err
		}

		processor := processing.NewProcessor()
		collector := stats.NewCollector(pipeline.New(nil, opts...), processor.LoadImageSmart, pcfg, statsWorkers, logger)
		result, skipped, err := collector.Collect(ctx.Context, sources)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Measured   stats.ChannelStats   `json:"measured"`
			Skipped    int                  `json:"skipped"`
			ConfigMean [3]float32           `json:"config_mean"`
			ConfigStd  [3]float32           `json:"config_std"`
			Config     types.PipelineConfig `json:"pipeline"`
		}{result, skipped, cfg.Preprocess.Mean, cfg.Preprocess.Std, pcfg})
	},
}

var probeCommand = &cli.Command{
	Name:  "probe",
	Usage: "Ask a vision model to describe a preprocessed image",
	Description: `Probe checks that an ollama or llama.cpp model actually receives the image before it is used
as a grading backend. The image goes through the same preprocessing as predict.`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Image path or URL",
			Aliases:     []string{"i"},
			Destination: &probeInput,
			Required:    true,
		},
	}, append(modelFlagSet(&probeModel), toggleFlags()...)...),
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		probeModel.apply(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		pcfg, err := toggles(ctx, cfg)
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		grader, err := newVisionGrader(cfg, logger)
		if err != nil {
			return err
		}
		opts, err := pipelineOptions(cfg, logger)
		if err != nil {
			return err
		}

		img, err := processing.NewProcessor().LoadImageSmart(ctx.Context, probeInput)
		if err != nil {
			return err
		}
		images, err := pipeline.New(nil, opts...).Preprocess(ctx.Context, img, pcfg)
		if err != nil {
			return err
		}
		answer, err := grader.Probe(ctx.Context, images.Final)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Write the default config file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Destination, defaults to ~/.config/retina-grader/config.json",
			Aliases:     []string{"o"},
			Destination: &configOut,
		},
		&cli.BoolFlag{
			Name:        "force",
			Usage:       "Overwrite an existing file",
			Aliases:     []string{"f"},
			Destination: &configForce,
		},
	},
	Action: func(ctx *cli.Context) error {
		path := configOut
		if path == "" {
			path = config.GetConfigPath()
		}
		if utils.FileExists(path) && !configForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if err := config.Default().SaveToFile(path); err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Issue a bearer token for the HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "subject",
			Usage:       "Token subject, results are scoped to it",
			Aliases:     []string{"s"},
			Destination: &tokenSubject,
			Required:    true,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Token lifetime",
			Value:       24 * time.Hour,
			Destination: &tokenTTL,
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(cfg.Server.JWTSecret, tokenSubject, cfg.Server.JWTAudience, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
