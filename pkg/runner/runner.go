// Package runner executes the external imaging and scheduler tools
// (fslmaths, fslselectvols, tbss_skeleton, qsub, qstat ...).
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Runner runs external commands
type Runner interface {
	// Run executes the command and waits for it to finish
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the command and returns its standard output
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec runs commands with os/exec
type Exec struct {
	// Dir is the working directory; empty means the current directory
	Dir string
}

// Run executes the command, logging combined output at debug level
func (e Exec) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.WithField("cmd", Format(name, args...)).Info("Running command")
	err := cmd.Run()
	if out.Len() > 0 {
		log.WithField("cmd", name).Debug(strings.TrimSpace(out.String()))
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Output executes the command and returns its standard output
func (e Exec) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.WithField("cmd", Format(name, args...)).Debug("Running command")
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// DryRun records commands instead of executing them
type DryRun struct {
	mu       sync.Mutex
	commands [][]string

	// Responses maps a command name to the output returned by Output
	Responses map[string][]byte

	// Hook, when set, is called for every recorded command; a returned
	// error is passed back to the caller
	Hook func(name string, args []string) error
}

// NewDryRun returns an empty recorder
func NewDryRun() *DryRun {
	return &DryRun{Responses: make(map[string][]byte)}
}

func (d *DryRun) record(name string, args []string) error {
	d.mu.Lock()
	d.commands = append(d.commands, append([]string{name}, args...))
	d.mu.Unlock()

	log.WithField("cmd", Format(name, args...)).Info("Dry run")
	if d.Hook != nil {
		return d.Hook(name, args)
	}
	return nil
}

// Run records the command
func (d *DryRun) Run(ctx context.Context, name string, args ...string) error {
	return d.record(name, args)
}

// Output records the command and returns the configured response
func (d *DryRun) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := d.record(name, args); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Responses[name], nil
}

// Commands returns the recorded commands in call order
func (d *DryRun) Commands() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// Format renders a command the way it would be typed in a shell script
func Format(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
