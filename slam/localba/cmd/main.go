// Package main is the localba command: it runs local bundle adjustment over scene files and
// generates synthetic scenes to run it on.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"go.viam.com/objectslam/config"
	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/slam/localba"
	"go.viam.com/objectslam/slam/scene"
)

const (
	flagConfig  = "config"
	flagDebug   = "debug"
	flagLogFile = "log-file"
	flagScene   = "scene"
	flagTrigger = "trigger"
	flagOut     = "out"
	flagJSON    = "json"
	flagTrace   = "debug-run"

	flagSeed      = "seed"
	flagKeyFrames = "keyframes"
	flagPoints    = "points"
	flagObjects   = "objects"
	flagNoise     = "pixel-noise"
	flagOutliers  = "outlier-fraction"
	flagStereo    = "stereo-fraction"
	flagCamera    = "intrinsics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func newApp() *cli.App {
	defaults := scene.DefaultGenerateOptions()
	return &cli.App{
		Name:            "localba",
		Usage:           "run local bundle adjustment on scene files",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE` (yaml or json)",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.PathFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, overriding log_file of the config",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "adjust the window of a keyframe and print what changed",
				UsageText: "localba run --scene <file> [--trigger <id>] [--out <file>] [--json]",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagScene, Required: true, Usage: "scene `FILE` to adjust"},
					&cli.Int64Flag{Name: flagTrigger, Value: -1, Usage: "id of the triggering keyframe, defaults to the newest"},
					&cli.PathFlag{Name: flagOut, Usage: "write the adjusted scene to `FILE`"},
					&cli.BoolFlag{Name: flagJSON, Usage: "print the result as json"},
					&cli.BoolFlag{Name: flagTrace, Usage: "log debug lines of the adjustment only"},
				},
				Action: RunAction,
			},
			{
				Name:      "generate",
				Usage:     "render a synthetic scene with noise and outliers",
				UsageText: "localba generate --out <file> [options]",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagOut, Required: true, Usage: "write the scene to `FILE`"},
					&cli.Int64Flag{Name: flagSeed, Value: defaults.Seed},
					&cli.IntFlag{Name: flagKeyFrames, Value: defaults.KeyFrames},
					&cli.IntFlag{Name: flagPoints, Value: defaults.Points},
					&cli.IntFlag{Name: flagObjects, Value: defaults.Objects},
					&cli.Float64Flag{Name: flagNoise, Value: defaults.PixelNoise, Usage: "keypoint noise in pixels"},
					&cli.Float64Flag{Name: flagOutliers, Value: 0.05, Usage: "fraction of points with a corrupted observation"},
					&cli.Float64Flag{Name: flagStereo, Value: 0.3, Usage: "fraction of observations with a right coordinate"},
					&cli.PathFlag{Name: flagCamera, Usage: "render with the pinhole intrinsics in json `FILE`"},
				},
				Action: GenerateAction,
			},
		},
	}
}

// loggerAndConfig builds the logger and configuration of a command. The returned function closes
// the log file, if any.
func loggerAndConfig(c *cli.Context) (logging.Logger, *config.Config, func(), error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg = *loaded
	}
	logger := logging.NewLogger("localba")
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, nil, err
	}
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	logger.SetLevel(level)

	closeLog := func() {}
	logFile := cfg.LogFile
	if path := c.Path(flagLogFile); path != "" {
		logFile = path
	}
	if logFile != "" {
		appender := logging.NewFileAppender(logFile)
		logger.AddAppender(appender)
		closeLog = func() { utils.UncheckedError(appender.Close()) }
	}
	return logger, &cfg, closeLog, nil
}

// RunAction adjusts one keyframe window of a scene.
func RunAction(c *cli.Context) error {
	logger, cfg, closeLog, err := loggerAndConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()
	s, err := scene.Load(c.Path(flagScene))
	if err != nil {
		return err
	}
	m, err := s.Build()
	if err != nil {
		return err
	}
	kfs := m.KeyFrames()
	if len(kfs) == 0 {
		return errors.New("scene has no keyframes")
	}
	trigger := kfs[len(kfs)-1]
	if id := c.Int64(flagTrigger); id >= 0 {
		kf, ok := m.KeyFrame(uint64(id))
		if !ok {
			return errors.Errorf("scene has no keyframe %d", id)
		}
		trigger = kf
	}

	ba, err := localba.NewLocalBundleAdjuster(cfg.LocalBA, logger)
	if err != nil {
		return err
	}
	ctx := c.Context
	if c.Bool(flagTrace) {
		ctx = logging.WithDebugRun(ctx, fmt.Sprintf("localba-%d", trigger.ID()))
		logger.Infow("debugging adjustment", "run", logging.DebugRunName(ctx))
	}
	res, err := ba.Run(ctx, trigger, m, nil)
	if err != nil {
		return err
	}

	if c.Bool(flagJSON) {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(c.App.Writer, res.String())
	}

	if out := c.Path(flagOut); out != "" {
		if err := scene.Snapshot(m, s.Intrinsics, s.Pyramid()).Save(out); err != nil {
			return err
		}
		logger.Infof("wrote adjusted scene to %s", out)
	}
	return nil
}

// GenerateAction writes a synthetic scene.
func GenerateAction(c *cli.Context) error {
	logger, _, closeLog, err := loggerAndConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()
	opts := scene.DefaultGenerateOptions()
	opts.Seed = c.Int64(flagSeed)
	opts.KeyFrames = c.Int(flagKeyFrames)
	opts.Points = c.Int(flagPoints)
	opts.Objects = c.Int(flagObjects)
	opts.PixelNoise = c.Float64(flagNoise)
	opts.OutlierFraction = c.Float64(flagOutliers)
	opts.StereoFraction = c.Float64(flagStereo)
	if path := c.Path(flagCamera); path != "" {
		intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
		if err != nil {
			return err
		}
		opts.Intrinsics = intrinsics
	}

	s, truth, err := scene.Generate(opts)
	if err != nil {
		return err
	}
	if err := s.Save(c.Path(flagOut)); err != nil {
		return err
	}
	logger.Infow("generated scene",
		"path", c.Path(flagOut),
		"keyframes", len(s.KeyFrames),
		"points", len(s.MapPoints),
		"objects", len(s.Objects),
		"outliers", len(truth.Outliers),
	)
	fmt.Fprintf(c.App.Writer, "wrote %d keyframes, %d points, %d objects with %d corrupted observations to %s\n",
		len(s.KeyFrames), len(s.MapPoints), len(s.Objects), len(truth.Outliers), c.Path(flagOut))
	return nil
}
