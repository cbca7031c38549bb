package diffusion

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
	"tractrec/pkg/sge"
)

// JobOptions controls KurtosisJobs
type JobOptions struct {
	// DataFiles, BvalsFiles and BvecsFiles are searched for the file holding each ID
	DataFiles  []string
	BvalsFiles []string
	BvecsFiles []string

	IDs []string

	// OutRoot receives one directory per ID
	OutRoot string

	Cutoff   float64
	Smooth   bool
	InMemory bool

	// Executable is the command the job scripts invoke (default "tractrec")
	Executable string

	// Submit hands the jobs to qsub. A subject whose script already existed is
	// only submitted when Clobber is also set.
	Submit  bool
	Clobber bool

	Runner runner.Runner
}

// JobSummary reports what KurtosisJobs did per subject
type JobSummary struct {
	Scripts   []string
	Submitted []string
	Failed    map[string]error
}

// KurtosisJobs writes, per subject, an executable script running the kurtosis
// pipeline and a queue submission wrapping it. Subjects whose files cannot be
// matched uniquely are logged and reported in the summary.
func KurtosisJobs(ctx context.Context, opts JobOptions) *JobSummary {
	if opts.Executable == "" {
		opts.Executable = "tractrec"
	}
	if opts.Cutoff == 0 {
		opts.Cutoff = DefaultKurtosisCutoff
	}
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}

	sum := &JobSummary{Failed: make(map[string]error)}
	for _, id := range opts.IDs {
		script, submitted, err := safelyWriteJob(ctx, id, opts)
		if err != nil {
			log.WithField("id", id).WithError(err).Warn("Skipping subject")
			sum.Failed[id] = err
			continue
		}
		sum.Scripts = append(sum.Scripts, script)
		if submitted {
			sum.Submitted = append(sum.Submitted, id)
		}
	}
	log.WithFields(log.Fields{
		"subjects":  len(opts.IDs),
		"submitted": len(sum.Submitted),
		"failed":    len(sum.Failed),
	}).Info("Kurtosis jobs written")
	return sum
}

func safelyWriteJob(ctx context.Context, id string, opts JobOptions) (script string, submitted bool, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()
	return writeJob(ctx, id, opts)
}

func writeJob(ctx context.Context, id string, opts JobOptions) (string, bool, error) {
	data, err := pathutil.MatchID(opts.DataFiles, id)
	if err != nil {
		return "", false, fmt.Errorf("data: %w", err)
	}
	bvals, err := pathutil.MatchID(opts.BvalsFiles, id)
	if err != nil {
		return "", false, fmt.Errorf("bvals: %w", err)
	}
	bvecs, err := pathutil.MatchID(opts.BvecsFiles, id)
	if err != nil {
		return "", false, fmt.Errorf("bvecs: %w", err)
	}
	outDir := filepath.Join(opts.OutRoot, id)
	log.WithFields(log.Fields{"id": id, "data": data, "bvals": bvals, "bvecs": bvecs, "out": outDir}).Info("Subject inputs")

	args := []string{opts.Executable, "dki",
		"--data", data, "--bvals", bvals, "--bvecs", bvecs,
		"--out-dir", outDir, "--cutoff", pathutil.FormatNumber(opts.Cutoff),
	}
	if opts.Smooth {
		args = append(args, "--smooth")
	}
	if opts.InMemory {
		args = append(args, "--in-memory")
	}

	name := "DKE_" + id
	existed := nifti.Exists(sge.ExecPath(outDir, name))
	script, err := sge.WriteExec(outDir, []string{"#!/bin/sh", "set -e", "", strings.Join(args, " ")}, name)
	if err != nil {
		return "", false, err
	}

	submit := opts.Submit && (opts.Clobber || !existed)
	if opts.Submit && !submit {
		log.WithField("id", id).Info("Script already existed, not submitting (set clobber to resubmit)")
	}
	_, err = sge.Submit(ctx, opts.Runner, sge.Job{
		Name:        name,
		Code:        "sh " + script,
		Threads:     4,
		MemGB:       3.75,
		OutDir:      outDir,
		Description: "Diffusion kurtosis estimation",
	}, submit)
	if err != nil {
		return script, false, err
	}
	return script, submit, nil
}
