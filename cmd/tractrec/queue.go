package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tractrec/pkg/config"
	"tractrec/pkg/sge"
)

func queueCommands() []cli.Command {
	return []cli.Command{
		{
			Name:      "submit",
			Usage:     "wrap shell code in a Grid Engine script and optionally qsub it",
			ArgsUsage: "<code>...",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "job name (required)"},
				cli.StringFlag{Name: "code-file", Usage: "read the job code from this file instead of the arguments"},
				cli.StringFlag{Name: "out-dir", Value: ".", Usage: "working directory of the job"},
				cli.IntFlag{Name: "threads", Usage: "default from config"},
				cli.Float64Flag{Name: "mem", Usage: "GB per thread (default from config)"},
				cli.StringFlag{Name: "description"},
				cli.StringFlag{Name: "template", Usage: "submission template file (default from config, built-in when empty)"},
				cli.BoolFlag{Name: "submit", Usage: "hand the script to qsub"},
			},
			Action: submit,
		},
		{
			Name:  "qwait",
			Usage: "block until a user has no jobs left in the queue",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "default from config"},
				cli.DurationFlag{Name: "interval", Usage: "poll interval (default from config)"},
			},
			Action: qwait,
		},
		{
			Name:      "config-init",
			Usage:     "write a configuration file with the default values",
			ArgsUsage: "<path>",
			Action: func(c *cli.Context) error {
				if err := needArgs(c, 1, "<path>"); err != nil {
					return err
				}
				return config.CreateDefaultConfigFile(c.Args().First())
			},
		},
	}
}

func submit(c *cli.Context) error {
	if err := requireFlags(c, "name"); err != nil {
		return err
	}
	code := strings.Join(c.Args(), " ")
	if f := c.String("code-file"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		code = string(b)
	}
	if strings.TrimSpace(code) == "" {
		return cli.NewExitError("tractrec submit: no job code given", 2)
	}

	job := sge.Job{
		Name:        c.String("name"),
		Code:        code,
		Threads:     intFlag(c, "threads", cfg.Queue.Threads),
		MemGB:       floatFlag(c, "mem", cfg.Queue.MemGB),
		OutDir:      c.String("out-dir"),
		Description: stringFlag(c, "description", cfg.Queue.Description),
	}
	if tmpl := stringFlag(c, "template", cfg.Queue.TemplateFile); tmpl != "" {
		b, err := os.ReadFile(tmpl)
		if err != nil {
			return fmt.Errorf("failed to read template: %w", err)
		}
		job.Template = string(b)
	}

	path, err := sge.Submit(rootCtx, cmdRunner(c), job, c.Bool("submit"))
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func qwait(c *cli.Context) error {
	user := stringFlag(c, "user", cfg.Queue.User)
	if user == "" {
		return cli.NewExitError("tractrec qwait: no user given and USER is not set", 2)
	}
	interval := cfg.Queue.PollInterval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}
	waited, err := sge.WaitForQueue(rootCtx, cmdRunner(c), user, interval)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"user": user, "waited": waited}).Info("Queue is clear")
	return nil
}
