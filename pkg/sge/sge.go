// Package sge writes Grid Engine submission scripts and hands them to qsub.
package sge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"

	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
)

// DefaultTemplate is the Grid Engine header used when a job has no template of its own
const DefaultTemplate = `#!/bin/bash
## ====================================================================== ##
## {{.Description}}
## ====================================================================== ##
##
#$ -N {{.Name}}	    #set job name
#$ -pe smp {{.Threads}}	#set number of threads to use
#$ -l h_vmem={{.Mem}}G	    #per-thread virtual memory
#$ -l h_stack=8M 	    #required for multithreaded jobs
#$ -V 			        #inherit user env from submitting shell
#$ -wd {{.OutDir}} 	    #working directory
#$ -o {{.OutDir}} 	        #.o files end up here
#$ -j yes		        #merge .e and .o files into one

{{.Code}}
`

// Job describes one queued script
type Job struct {
	// Name is the job name, also used for the script file name
	Name string

	// Code is the shell code run by the job
	Code string

	// Threads is the number of slots requested from the smp parallel environment
	Threads int

	// MemGB is the virtual memory per thread in gigabytes
	MemGB float64

	// OutDir is the working directory and destination of the job log
	OutDir string

	Description string

	// Template overrides DefaultTemplate. It sees the Job fields plus Mem.
	Template string
}

// Mem is MemGB as written in the script header
func (j Job) Mem() string {
	return pathutil.FormatNumber(j.MemGB)
}

// ScriptPath is <OutDir>/XXX_<Name>.sub
func (j Job) ScriptPath() string {
	return filepath.Join(j.OutDir, "XXX_"+j.Name+".sub")
}

// Render fills the job template
func (j Job) Render() (string, error) {
	text := j.Template
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New(j.Name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse job template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, j); err != nil {
		return "", fmt.Errorf("failed to render job %s: %w", j.Name, err)
	}
	return buf.String(), nil
}

// WriteScript renders the job and writes it as an executable .sub file
func WriteScript(j Job) (string, error) {
	text, err := j.Render()
	if err != nil {
		return "", err
	}
	if err := pathutil.EnsureDir(j.OutDir); err != nil {
		return "", err
	}
	path := j.ScriptPath()
	if err := writeExecutable(path, text); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"job": j.Name, "file": path}).Debug("Submission script written")
	return path, nil
}

// Submit writes the job script and, when submit is set, passes it to qsub
func Submit(ctx context.Context, r runner.Runner, j Job, submit bool) (string, error) {
	path, err := WriteScript(j)
	if err != nil {
		return "", err
	}
	if !submit {
		log.WithField("file", path).Info("Job written, not submitted")
		return path, nil
	}
	if err := r.Run(ctx, "qsub", path); err != nil {
		return path, fmt.Errorf("failed to submit %s: %w", j.Name, err)
	}
	log.WithField("job", j.Name).Info("Job submitted")
	return path, nil
}

// ExecPath is <outDir>/XXX_<name>.sh
func ExecPath(outDir, name string) string {
	return filepath.Join(outDir, "XXX_"+name+".sh")
}

// WriteExec writes lines as an executable script XXX_<name>.sh in outDir
func WriteExec(outDir string, lines []string, name string) (string, error) {
	if err := pathutil.EnsureDir(outDir); err != nil {
		return "", err
	}
	path := ExecPath(outDir, name)
	if err := writeExecutable(path, strings.Join(lines, "\n")+"\n"); err != nil {
		return "", err
	}
	return path, nil
}

func writeExecutable(path, text string) error {
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, st.Mode()|0o111)
}

// WaitForQueue polls qstat every interval until none of its output lines mention
// user, and returns how long it waited. A failing qstat ends the wait.
func WaitForQueue(ctx context.Context, r runner.Runner, user string, interval time.Duration) (time.Duration, error) {
	start := time.Now()
	log.WithFields(log.Fields{"user": user, "interval": interval}).Info("Waiting for queue to clear")

	for {
		out, err := r.Output(ctx, "qstat", "-u", user)
		if err != nil {
			log.WithError(err).Warn("qstat failed, no longer waiting")
			break
		}
		if !mentions(out, user) {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		case <-timer.C:
		}
		log.Debug("Jobs still queued")
	}

	elapsed := time.Since(start)
	log.WithField("duration", elapsed.Round(time.Second)).Info("Queue clear")
	return elapsed, nil
}

func mentions(out []byte, user string) bool {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.Contains(sc.Text(), user) {
			return true
		}
	}
	return false
}
