package main

import (
	"fmt"

	"github.com/urfave/cli"

	"tractrec/pkg/labeling"
)

var (
	decimalsFlag = cli.IntFlag{Name: "decimals", Usage: "decimal places of scanner coordinates (default from config)"}
	spaceFlag    = cli.StringFlag{Name: "space", Usage: "voxel or scanner coordinates (default from config)"}
	startFlag    = cli.IntFlag{Name: "start", Usage: "first label value (default from config)"}
	clobberFlag  = cli.BoolFlag{Name: "clobber", Usage: "overwrite existing outputs"}
)

func labelCommands() []cli.Command {
	return []cli.Command{
		{
			Name:      "voxels",
			Usage:     "write the coordinates of every mask voxel as CSV",
			ArgsUsage: "<mask>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out"},
				cli.Float64Flag{Name: "threshold", Usage: "voxels at or below this are background"},
				spaceFlag,
				decimalsFlag,
			},
			Action: voxels,
		},
		{
			Name:      "label",
			Usage:     "give every mask voxel its own label",
			ArgsUsage: "<mask>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out", Usage: "label image (default <stem>_index_label.nii.gz)"},
				cli.BoolFlag{Name: "lut", Usage: "also write a label to coordinate lookup table"},
				startFlag,
				decimalsFlag,
				clobberFlag,
			},
			Action: label,
		},
		{
			Name:      "label-multi",
			Usage:     "split the labelled voxels of a mask into pairwise subset files",
			ArgsUsage: "<mask>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out-base"},
				cli.IntFlag{Name: "max-labels", Usage: "labels per output file (default from config)"},
				cli.IntFlag{Name: "cube-dim", Usage: "label cubes of this size instead of voxels"},
				startFlag,
				spaceFlag,
				decimalsFlag,
				clobberFlag,
			},
			Action: labelMulti,
		},
		{
			Name:      "cubes",
			Usage:     "partition a mask into labelled cubes",
			ArgsUsage: "<mask>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "cube-dim", Value: 3},
				clobberFlag,
			},
			Action: cubes,
		},
		{
			Name:      "combine",
			Usage:     "label two masks with disjoint label ranges and join them",
			ArgsUsage: "<mask1> <mask2>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out1"},
				cli.StringFlag{Name: "out2"},
				cli.BoolFlag{Name: "lut"},
				startFlag,
				decimalsFlag,
				clobberFlag,
			},
			Action: combine,
		},
	}
}

func space(c *cli.Context) (labeling.Space, error) {
	return labeling.ParseSpace(stringFlag(c, "space", cfg.Labels.CoordinateSpace))
}

func start(c *cli.Context) uint64 {
	if c.IsSet("start") {
		return uint64(c.Int("start"))
	}
	return cfg.Labels.StartIndex
}

func labelOptions(c *cli.Context) labeling.LabelOptions {
	return labeling.LabelOptions{
		StartIndex: start(c),
		LUT:        c.Bool("lut"),
		Decimals:   intFlag(c, "decimals", cfg.Labels.Decimals),
		Clobber:    c.Bool("clobber"),
	}
}

func voxels(c *cli.Context) error {
	if err := needArgs(c, 1, "<mask>"); err != nil {
		return err
	}
	sp, err := space(c)
	if err != nil {
		return err
	}
	out, err := labeling.WriteVoxelList(c.Args().First(), labeling.VoxelListOptions{
		OutFile:   c.String("out"),
		Threshold: c.Float64("threshold"),
		Space:     sp,
		Decimals:  intFlag(c, "decimals", cfg.Labels.Decimals),
	})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func label(c *cli.Context) error {
	if err := needArgs(c, 1, "<mask>"); err != nil {
		return err
	}
	out, next, err := labeling.LabelFile(c.Args().First(), c.String("out"), labelOptions(c))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d\n", out, next)
	return nil
}

func labelMulti(c *cli.Context) error {
	if err := needArgs(c, 1, "<mask>"); err != nil {
		return err
	}
	sp, err := space(c)
	if err != nil {
		return err
	}
	res, err := labeling.MultiFile(c.Args().First(), labeling.MultiFileOptions{
		OutBase:          c.String("out-base"),
		MaxLabelsPerMask: intFlag(c, "max-labels", cfg.Labels.MaxLabelsPerMask),
		StartIndex:       start(c),
		Space:            sp,
		Decimals:         intFlag(c, "decimals", cfg.Labels.Decimals),
		CubeDim:          c.Int("cube-dim"),
		Clobber:          c.Bool("clobber"),
	})
	if err != nil {
		return err
	}
	for i := range res.Labels {
		fmt.Printf("%s\t%s\n", res.Labels[i], res.Coords[i])
	}
	return nil
}

func cubes(c *cli.Context) error {
	if err := needArgs(c, 1, "<mask>"); err != nil {
		return err
	}
	out, err := labeling.CubeMaskFile(c.Args().First(), c.Int("cube-dim"), c.Bool("clobber"))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func combine(c *cli.Context) error {
	if err := needArgs(c, 2, "<mask1> <mask2>"); err != nil {
		return err
	}
	joined, err := labeling.CombineFiles(c.Args().Get(0), c.Args().Get(1), c.String("out1"), c.String("out2"), labelOptions(c))
	if err != nil {
		return err
	}
	fmt.Println(joined)
	return nil
}
