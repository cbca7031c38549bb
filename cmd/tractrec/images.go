package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tractrec/pkg/morphology"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/segmentation"
	"tractrec/pkg/skeleton"
	"tractrec/pkg/stats"
	"tractrec/pkg/visualization"
)

func imageCommands() []cli.Command {
	return []cli.Command{
		{
			Name:      "segment",
			Usage:     "winner-take-all segmentation of tract density images",
			ArgsUsage: "<density.nii.gz>...",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out", Usage: "output basename (required)"},
				cli.StringSliceFlag{Name: "index", Usage: "values assigned to the winners, one per input"},
				cli.BoolFlag{Name: "by-slice", Usage: "read one z-slice at a time"},
				cli.BoolFlag{Name: "clobber", Usage: "overwrite existing outputs"},
			},
			Action: segment,
		},
		{
			Name:      "stats",
			Usage:     "per-label statistics of an image",
			ArgsUsage: "<image> <labels>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "thresh-file", Usage: "image used to remove voxels from the labels"},
				cli.Float64Flag{Name: "thresh-val", Usage: "threshold applied to --thresh-file"},
				cli.StringFlag{Name: "thresh-type", Usage: "upper or lower"},
				cli.StringSliceFlag{Name: "subset", Usage: "labels to report"},
				cli.IntFlag{Name: "erode", Usage: "erode each label by this many iterations"},
				cli.BoolFlag{Name: "include-zeros", Usage: "keep zero image values"},
				cli.StringFlag{Name: "combined-mask", Usage: "write the final label volume here"},
			},
			Action: labelStats,
		},
		{
			Name:  "batch-stats",
			Usage: "extract one metric per label for many subjects into a table",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "metrics", Usage: "metric images (globs allowed); the parent directory is the subject ID"},
				cli.StringSliceFlag{Name: "labels", Usage: "label images (globs allowed)"},
				cli.StringSliceFlag{Name: "thresh", Usage: "threshold images (globs allowed)"},
				cli.StringFlag{Name: "label-names", Usage: "CSV with index,Label columns"},
				cli.StringSliceFlag{Name: "subset", Usage: "labels to extract"},
				cli.StringFlag{Name: "metric", Value: "mean", Usage: "mean, median, std, min, max or vox_count"},
				cli.Float64Flag{Name: "thresh-val"},
				cli.StringFlag{Name: "thresh-type"},
				cli.Float64Flag{Name: "max-val", Usage: "drop metric values above this (0 keeps all)"},
				cli.IntFlag{Name: "erode"},
				cli.StringFlag{Name: "debug-dir", Usage: "write corrected labels per subject"},
				cli.StringFlag{Name: "out", Usage: "CSV output (default stdout)"},
				cli.StringFlag{Name: "npy", Usage: "also write the value matrix as .npy"},
			},
			Action: batchStats,
		},
		{
			Name:      "erode",
			Usage:     "binary erosion",
			ArgsUsage: "<in> <out>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "iterations", Value: 1},
				cli.StringFlag{Name: "mask", Usage: "only voxels inside this mask may change"},
				cli.BoolFlag{Name: "limit", Usage: "stop before fewer than --min-voxels remain"},
				cli.IntFlag{Name: "min-voxels", Value: morphology.DefaultMinVoxelCount},
				cli.BoolFlag{Name: "clobber"},
			},
			Action: erode,
		},
		{
			Name:      "overlap",
			Usage:     "closed mask of mask2 voxels touching mask1",
			ArgsUsage: "<mask1> <mask2> <out>",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "clobber"}},
			Action:    overlap,
		},
		{
			Name:      "skeleton",
			Usage:     "skeletonise a tract probability map with tbss_skeleton",
			ArgsUsage: "<image>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "thresh-type", Value: string(skeleton.ThresholdPercentage), Usage: "percentage or value"},
				cli.Float64Flag{Name: "thresh-val", Value: 0.2},
				cli.BoolFlag{Name: "keep-intermediate", Usage: "keep the smoothed distance map"},
			},
			Action: skeletonise,
		},
		{
			Name:      "preview",
			Usage:     "write PNG slices of a volume",
			ArgsUsage: "<image> <out dir>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "axis", Value: "z", Usage: "x, y, z or all"},
				cli.IntFlag{Name: "frame"},
			},
			Action: preview,
		},
	}
}

func segment(c *cli.Context) error {
	if len(c.Args()) == 0 || c.String("out") == "" {
		return cli.NewExitError("usage: tractrec segment --out <basename> <density.nii.gz>...", 2)
	}
	index, err := floatList(c.StringSlice("index"))
	if err != nil {
		return err
	}
	out, err := segmentation.Run(c.Args(), segmentation.Options{
		OutBasename:       c.String("out"),
		SegmentationIndex: index,
		Clobber:           c.Bool("clobber"),
		BySlice:           c.Bool("by-slice"),
		NumCores:          cfg.Processing.NumCores,
	})
	if err != nil {
		return err
	}
	fmt.Println(out.Index)
	fmt.Println(out.Total)
	fmt.Println(out.Part)
	fmt.Println(out.Pct)
	return nil
}

func labelStats(c *cli.Context) error {
	if err := needArgs(c, 2, "<image> <labels>"); err != nil {
		return err
	}
	subset, err := floatList(c.StringSlice("subset"))
	if err != nil {
		return err
	}
	typ, err := stats.ParseThreshType(stringFlag(c, "thresh-type", cfg.Stats.ThreshType))
	if err != nil {
		return err
	}
	res, err := stats.ExtractFromFiles(c.Args().Get(0), c.Args().Get(1), c.String("thresh-file"), stats.Options{
		ThreshVal:          floatFlag(c, "thresh-val", cfg.Stats.ThreshVal),
		ThreshType:         typ,
		LabelSubset:        subset,
		IncludeZeros:       c.Bool("include-zeros"),
		ErodeVox:           c.Int("erode"),
		CombinedMaskOutput: c.String("combined-mask"),
	})
	if err != nil {
		return err
	}

	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"label", "vox_count", "mean", "median", "std", "min", "max"})
	for _, l := range res.Labels {
		w.Write([]string{
			pathutil.FormatNumber(l.Label),
			fmt.Sprint(l.Count),
			pathutil.FormatNumber(l.Mean),
			pathutil.FormatNumber(l.Median),
			pathutil.FormatNumber(l.Std),
			pathutil.FormatNumber(l.Min),
			pathutil.FormatNumber(l.Max),
		})
	}
	w.Flush()
	return w.Error()
}

func batchStats(c *cli.Context) error {
	metrics, err := expandFiles(c.StringSlice("metrics"))
	if err != nil {
		return err
	}
	labels, err := expandFiles(c.StringSlice("labels"))
	if err != nil {
		return err
	}
	opts := stats.BatchOptions{
		Metric:     c.String("metric"),
		LabelTag:   cfg.Stats.LabelTag,
		ThreshVal:  floatFlag(c, "thresh-val", cfg.Stats.ThreshVal),
		ThreshType: stats.ThreshType(stringFlag(c, "thresh-type", cfg.Stats.ThreshType)),
		ErodeVox:   c.Int("erode"),
		Zfill:      cfg.Stats.Zfill,
		DebugDir:   c.String("debug-dir"),
		NumCores:   cfg.Processing.NumCores,
	}
	if len(c.StringSlice("thresh")) > 0 {
		if opts.ThreshFiles, err = expandFiles(c.StringSlice("thresh")); err != nil {
			return err
		}
	}
	if opts.LabelSubset, err = floatList(c.StringSlice("subset")); err != nil {
		return err
	}
	if len(opts.LabelSubset) == 0 {
		opts.LabelSubset = nil
	}
	if maxVal := floatFlag(c, "max-val", cfg.Stats.MaxVal); maxVal != 0 {
		opts.MaxVal = &maxVal
	}
	if names := c.String("label-names"); names != "" {
		if opts.LabelNames, err = stats.LoadLabelNames(names); err != nil {
			return err
		}
	}

	table, err := stats.ExtractQuantitativeMetric(metrics, labels, opts)
	if err != nil {
		return err
	}
	if len(table.Failed) > 0 {
		log.WithField("subjects", strings.Join(table.Failed, ", ")).Warn("Some subjects were skipped")
	}
	if npy := c.String("npy"); npy != "" {
		if err := table.WriteNpy(npy); err != nil {
			return err
		}
	}
	if out := c.String("out"); out != "" {
		return table.SaveCSV(out)
	}
	return table.WriteCSV(os.Stdout)
}

func erode(c *cli.Context) error {
	if err := needArgs(c, 2, "<in> <out>"); err != nil {
		return err
	}
	vol, h, err := nifti.Load(c.Args().Get(0))
	if err != nil {
		return err
	}
	opts := morphology.ErodeOptions{
		Iterations:    c.Int("iterations"),
		LimitErosion:  c.Bool("limit"),
		MinVoxelCount: c.Int("min-voxels"),
	}
	if m := c.String("mask"); m != "" {
		if opts.Mask, _, err = nifti.Load(m); err != nil {
			return err
		}
	}
	out, err := morphology.Erode(vol.Frame(0), opts)
	if err != nil {
		return err
	}
	return nifti.Save(c.Args().Get(1), out, nifti.SaveOptions{
		Datatype: nifti.Datatype(h.DataType),
		Clobber:  c.Bool("clobber"),
		Template: h,
	})
}

func overlap(c *cli.Context) error {
	if err := needArgs(c, 3, "<mask1> <mask2> <out>"); err != nil {
		return err
	}
	m1, _, err := nifti.Load(c.Args().Get(0))
	if err != nil {
		return err
	}
	m2, h, err := nifti.Load(c.Args().Get(1))
	if err != nil {
		return err
	}
	out, err := morphology.OverlapMask(m1.Frame(0), m2.Frame(0), nil)
	if err != nil {
		return err
	}
	log.WithField("voxels", out.CountNonzero()).Info("Overlap mask")
	return nifti.Save(c.Args().Get(2), out, nifti.SaveOptions{Datatype: nifti.Uint8, Clobber: c.Bool("clobber"), Template: h})
}

func skeletonise(c *cli.Context) error {
	if err := needArgs(c, 1, "<image>"); err != nil {
		return err
	}
	skel, err := skeleton.Skeletonise(rootCtx, cmdRunner(c), c.Args().First(), skeleton.Options{
		ThresholdType: skeleton.ThresholdType(c.String("thresh-type")),
		ThresholdVal:  c.Float64("thresh-val"),
		Cleanup:       !c.Bool("keep-intermediate"),
	})
	if err != nil {
		return err
	}
	fmt.Println(skel)
	return nil
}

func preview(c *cli.Context) error {
	if err := needArgs(c, 2, "<image> <out dir>"); err != nil {
		return err
	}
	vol, _, err := nifti.Load(c.Args().Get(0))
	if err != nil {
		return err
	}
	v, err := visualization.NewViewer(vol, c.Int("frame"))
	if err != nil {
		return err
	}

	axes := []string{c.String("axis")}
	dir := c.Args().Get(1)
	if axes[0] == "all" {
		axes = []string{"x", "y", "z"}
	}
	for _, axis := range axes {
		out := dir
		if len(axes) > 1 {
			out = filepath.Join(dir, axis)
		}
		if _, err := v.SaveSliceSequence(axis, out); err != nil {
			return err
		}
	}
	return nil
}
