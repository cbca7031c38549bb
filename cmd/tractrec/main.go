package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tractrec/pkg/config"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
)

var (
	// cfg is loaded before any command runs; flags given on the command line win
	cfg = config.DefaultConfig()

	rootCtx = context.Background()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rootCtx = ctx

	app := cli.NewApp()
	app.Name = "tractrec"
	app.Usage = "tract density segmentation, region statistics, voxel labelling and diffusion kurtosis tooling"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "tractrec.yaml",
			Usage: "YAML configuration file (defaults are used when it does not exist)",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "debug logging",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json",
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "log external commands instead of running them",
		},
		cli.IntFlag{
			Name:  "cores",
			Usage: "number of CPU cores to use (default: from config, all available)",
		},
	}
	app.Before = setup

	app.Commands = append(app.Commands, imageCommands()...)
	app.Commands = append(app.Commands, labelCommands()...)
	app.Commands = append(app.Commands, diffusionCommands()...)
	app.Commands = append(app.Commands, queueCommands()...)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(c *cli.Context) error {
	loaded, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	cfg = loaded
	if c.IsSet("cores") {
		cfg.Processing.NumCores = c.Int("cores")
	}
	if c.Bool("verbose") {
		cfg.Output.Verbose = true
	}
	if c.IsSet("log-format") {
		cfg.Output.LogFormat = c.String("log-format")
	}

	switch cfg.Output.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Output.LogFormat)
	}
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// cmdRunner returns the runner for external tools honouring --dry-run
func cmdRunner(c *cli.Context) runner.Runner {
	if c.GlobalBool("dry-run") {
		return runner.NewDryRun()
	}
	return runner.Exec{}
}

func intFlag(c *cli.Context, name string, def int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	return def
}

func floatFlag(c *cli.Context, name string, def float64) float64 {
	if c.IsSet(name) {
		return c.Float64(name)
	}
	return def
}

func stringFlag(c *cli.Context, name, def string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return def
}

// floatList parses repeated and comma separated numbers
func floatList(values []string) ([]float64, error) {
	var out []float64
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", f)
			}
			out = append(out, x)
		}
	}
	return out, nil
}

func intList(values []string) ([]int, error) {
	fs, err := floatList(values)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != float64(int(f)) {
			return nil, fmt.Errorf("%v is not an integer", f)
		}
		out[i] = int(f)
	}
	return out, nil
}

// expandFiles expands glob patterns and returns the matches in natural order
func expandFiles(patterns []string) ([]string, error) {
	var files []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %s", pathutil.ErrNoMatch, p)
		}
		files = append(files, matches...)
	}
	return pathutil.NaturalSort(files), nil
}

// needArgs fails the command unless it was given exactly n positional arguments
func needArgs(c *cli.Context, n int, names string) error {
	if len(c.Args()) != n {
		return cli.NewExitError(fmt.Sprintf("usage: tractrec %s [options] %s", c.Command.Name, names), 2)
	}
	return nil
}
