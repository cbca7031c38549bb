package main

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tractrec/pkg/diffusion"
	"tractrec/pkg/runner"
)

var (
	dataFlag   = cli.StringFlag{Name: "data", Usage: "4D diffusion image"}
	bvalsFlag  = cli.StringFlag{Name: "bvals", Usage: "b-value file"}
	bvecsFlag  = cli.StringFlag{Name: "bvecs", Usage: "b-vector file"}
	outDirFlag = cli.StringFlag{Name: "out-dir", Usage: "output directory (default: next to the data)"}
	cutoffFlag = cli.Float64Flag{Name: "cutoff", Usage: "b-value cutoff (default from config)"}
)

func diffusionCommands() []cli.Command {
	return []cli.Command{
		{
			Name:      "sanitize-bvals",
			Usage:     "snap b-values to the nearest target shell",
			ArgsUsage: "<bvals> <out>",
			Flags:     []cli.Flag{cli.StringSliceFlag{Name: "targets", Usage: "target shells (default from config)"}},
			Action:    sanitizeBvals,
		},
		{
			Name:   "select",
			Usage:  "keep the diffusion volumes below a b-value cutoff",
			Flags:  []cli.Flag{dataFlag, bvalsFlag, bvecsFlag, outDirFlag, cutoffFlag, cli.BoolFlag{Name: "in-memory"}, clobberFlag},
			Action: selectVolumes,
		},
		{
			Name:  "dke-prep",
			Usage: "split, average and merge shells for DKE",
			Flags: []cli.Flag{dataFlag, bvalsFlag, bvecsFlag, outDirFlag, cutoffFlag,
				cli.BoolFlag{Name: "rotate", Usage: "write per-shell bvecs as rows"},
				cli.BoolFlag{Name: "run", Usage: "run the FSL commands (otherwise print them)"},
				clobberFlag,
			},
			Action: dkePrep,
		},
		{
			Name:  "dke-submit",
			Usage: "prepare a subject for DKE and write its parameter file and job",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "root", Usage: "directory holding one directory per subject"},
				cli.StringFlag{Name: "id"},
				dataFlag, bvalsFlag, bvecsFlag, outDirFlag, cutoffFlag,
				cli.StringFlag{Name: "template", Usage: "DKE parameter template (required)"},
				cli.IntFlag{Name: "directions", Usage: "expected gradient directions (default from config)"},
				cli.BoolFlag{Name: "submit"},
				clobberFlag,
			},
			Action: dkeSubmit,
		},
		{
			Name:  "dki",
			Usage: "fit diffusion kurtosis maps slice by slice",
			Flags: []cli.Flag{dataFlag, bvalsFlag, bvecsFlag, outDirFlag, cutoffFlag,
				cli.BoolFlag{Name: "smooth", Usage: "also fit a smoothed copy"},
				cli.BoolFlag{Name: "in-memory", Usage: "select volumes without fslselectvols"},
				cli.StringSliceFlag{Name: "slices", Usage: "z slices to fit (default all)"},
				cli.StringFlag{Name: "fit-command", Usage: "external per-slice fitter (default from config, built-in when empty)"},
				clobberFlag,
			},
			Action: dki,
		},
		{
			Name:  "dki-jobs",
			Usage: "write and optionally submit one kurtosis job per subject",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "data", Usage: "diffusion images (globs allowed)"},
				cli.StringSliceFlag{Name: "bvals"},
				cli.StringSliceFlag{Name: "bvecs"},
				cli.StringSliceFlag{Name: "ids"},
				cli.StringFlag{Name: "out-root"},
				cutoffFlag,
				cli.BoolFlag{Name: "smooth"},
				cli.BoolFlag{Name: "in-memory"},
				cli.BoolFlag{Name: "submit"},
				clobberFlag,
			},
			Action: dkiJobs,
		},
	}
}

func requireFlags(c *cli.Context, names ...string) error {
	for _, n := range names {
		if !c.IsSet(n) {
			return cli.NewExitError(fmt.Sprintf("tractrec %s: --%s is required", c.Command.Name, n), 2)
		}
	}
	return nil
}

func targets(c *cli.Context) ([]float64, error) {
	if !c.IsSet("targets") {
		return cfg.Diffusion.TargetBvals, nil
	}
	return floatList(c.StringSlice("targets"))
}

func sanitizeBvals(c *cli.Context) error {
	if err := needArgs(c, 2, "<bvals> <out>"); err != nil {
		return err
	}
	t, err := targets(c)
	if err != nil {
		return err
	}
	bvals, err := diffusion.LoadBvals(c.Args().Get(0))
	if err != nil {
		return err
	}
	return diffusion.SaveBvals(c.Args().Get(1), diffusion.SanitizeBvals(bvals, t))
}

func selectVolumes(c *cli.Context) error {
	if err := requireFlags(c, "data", "bvals", "bvecs"); err != nil {
		return err
	}
	sel, err := diffusion.SelectVolumes(rootCtx, c.String("data"), c.String("bvals"), c.String("bvecs"), diffusion.SelectOptions{
		OutDir:   c.String("out-dir"),
		Cutoff:   floatFlag(c, "cutoff", cfg.Diffusion.BvalMaxCutoff),
		InMemory: c.Bool("in-memory"),
		Clobber:  c.Bool("clobber"),
		Runner:   cmdRunner(c),
	})
	if err != nil {
		return err
	}
	fmt.Println(sel.DataFile)
	fmt.Println(sel.BvalsFile)
	fmt.Println(sel.BvecsFile)
	return nil
}

func dkePrep(c *cli.Context) error {
	if err := requireFlags(c, "data", "bvals", "bvecs"); err != nil {
		return err
	}
	p, err := diffusion.PrepareDKE(rootCtx, c.String("data"), c.String("bvals"), c.String("bvecs"), diffusion.PrepareOptions{
		OutDir:     c.String("out-dir"),
		Cutoff:     floatFlag(c, "cutoff", cfg.Diffusion.DKECutoff),
		Targets:    cfg.Diffusion.TargetBvals,
		Rotate:     c.Bool("rotate"),
		Clobber:    c.Bool("clobber"),
		RunLocally: c.Bool("run"),
		Runner:     cmdRunner(c),
	})
	if err != nil {
		return err
	}
	if !c.Bool("run") {
		for _, cmd := range p.Commands {
			fmt.Println(runner.Format(cmd[0], cmd[1:]...))
		}
	}
	log.WithFields(log.Fields{"data": p.DataFile, "shells": strings.Join(p.BvalsUsed, " ")}).Info("DKE input prepared")
	return nil
}

func dkeSubmit(c *cli.Context) error {
	if err := requireFlags(c, "root", "id", "data", "bvals", "bvecs", "template"); err != nil {
		return err
	}
	job, err := diffusion.SubmitDKE(rootCtx, diffusion.SubmitDKEOptions{
		SubRootDir:         c.String("root"),
		ID:                 c.String("id"),
		DataFile:           c.String("data"),
		BvalsFile:          c.String("bvals"),
		BvecsFile:          c.String("bvecs"),
		OutDir:             c.String("out-dir"),
		Cutoff:             floatFlag(c, "cutoff", cfg.Diffusion.DKECutoff),
		Targets:            cfg.Diffusion.TargetBvals,
		TemplateFile:       c.String("template"),
		ExpectedDirections: intFlag(c, "directions", cfg.Diffusion.ExpectedDirections),
		Module:             cfg.Diffusion.DKEModule,
		BuildPath:          cfg.Diffusion.DKEBuildPath,
		Submit:             c.Bool("submit"),
		Clobber:            c.Bool("clobber"),
		Runner:             cmdRunner(c),
	})
	if err != nil {
		return err
	}
	fmt.Println(job.Params)
	fmt.Println(job.Script)
	return nil
}

func dki(c *cli.Context) error {
	if err := requireFlags(c, "data", "bvals", "bvecs"); err != nil {
		return err
	}
	opts := diffusion.KurtosisOptions{
		DataFile:         c.String("data"),
		BvalsFile:        c.String("bvals"),
		BvecsFile:        c.String("bvecs"),
		OutDir:           c.String("out-dir"),
		Cutoff:           floatFlag(c, "cutoff", cfg.Diffusion.BvalMaxCutoff),
		Targets:          cfg.Diffusion.TargetBvals,
		Smooth:           c.Bool("smooth"),
		SmoothMultiplier: cfg.Diffusion.SmoothMultiplier,
		InMemory:         c.Bool("in-memory"),
		Runner:           cmdRunner(c),
		NumCores:         cfg.Processing.NumCores,
		Clobber:          c.Bool("clobber"),
	}
	if c.IsSet("slices") {
		slices, err := intList(c.StringSlice("slices"))
		if err != nil {
			return err
		}
		opts.Slices = slices
	}

	fit := cfg.Diffusion.FitCommand
	if c.IsSet("fit-command") {
		fit = strings.Fields(c.String("fit-command"))
	}
	if len(fit) > 0 {
		opts.Fitter = diffusion.CommandFitter{Command: fit[0], Args: fit[1:], Runner: opts.Runner}
	}

	out, err := diffusion.Kurtosis(rootCtx, opts)
	if err != nil {
		return err
	}
	for _, f := range append([]string{out.MK, out.AK, out.RK}, out.Smoothed...) {
		fmt.Println(f)
	}
	return nil
}

func dkiJobs(c *cli.Context) error {
	if err := requireFlags(c, "data", "bvals", "bvecs", "ids", "out-root"); err != nil {
		return err
	}
	files := make(map[string][]string)
	for _, name := range []string{"data", "bvals", "bvecs"} {
		matched, err := expandFiles(c.StringSlice(name))
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		files[name] = matched
	}
	sum := diffusion.KurtosisJobs(rootCtx, diffusion.JobOptions{
		DataFiles:  files["data"],
		BvalsFiles: files["bvals"],
		BvecsFiles: files["bvecs"],
		IDs:        c.StringSlice("ids"),
		OutRoot:    c.String("out-root"),
		Cutoff:     floatFlag(c, "cutoff", cfg.Diffusion.BvalMaxCutoff),
		Smooth:     c.Bool("smooth"),
		InMemory:   c.Bool("in-memory"),
		Submit:     c.Bool("submit"),
		Clobber:    c.Bool("clobber"),
		Runner:     cmdRunner(c),
	})
	for _, s := range sum.Scripts {
		fmt.Println(s)
	}
	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d of %d subjects failed", len(sum.Failed), len(c.StringSlice("ids")))
	}
	return nil
}
