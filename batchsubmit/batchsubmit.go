// Package batchsubmit submits executor jobs to an external cluster
// batch queue (SGE, PBS) when the scheduler runs in autoscaling mode.
// Each submission's memory request is JobSpec.MemoryGB as the caller
// supplies it; this package does not derive it from stage estimates and
// does not check it against any stage's memory.
package batchsubmit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

// JobSpec describes the executor process a submission should launch.
type JobSpec struct {
	MemoryGB      float64
	MemRequestVar string // e.g. "mem" or "vmem"
	PE            string // SGE parallel-environment name
	Cores         int
	Queue         string
	WorkingDir    string
	LogDir        string
	Command       []string // the `pydpiper-executor ...` invocation
}

// BatchSubmitter submits and cancels executor jobs against an external
// cluster scheduler.
type BatchSubmitter interface {
	Name() string
	Submit(ctx context.Context, spec JobSpec) (jobID string, err error)
	Cancel(ctx context.Context, jobID string) error
}

// scriptSubmitter is the shared implementation behind SGESubmitter and
// PBSSubmitter: render a job script from a text/template, write it to
// a temp file, and shell out to qsub. The adapters supply only the
// template text and the cancel command; they never reimplement what
// qsub itself does.
type scriptSubmitter struct {
	name         string
	scriptTmpl   string
	submitCmd    func(scriptPath string) []string
	cancelCmd    func(jobID string) []string
	runCommand   func(ctx context.Context, argv []string) (string, error)
}

func (s *scriptSubmitter) Name() string { return s.name }

func (s *scriptSubmitter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if spec.MemRequestVar == "" {
		spec.MemRequestVar = "mem"
	}
	script, err := renderTemplate(s.name, s.scriptTmpl, spec)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "pydpiper-"+s.name+"-*.sh")
	if err != nil {
		return "", fmt.Errorf("create job script: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(script); err != nil {
		return "", fmt.Errorf("write job script: %w", err)
	}

	out, err := s.runCommand(ctx, s.submitCmd(f.Name()))
	if err != nil {
		return "", fmt.Errorf("%s submit failed: %w", s.name, err)
	}
	return parseJobID(out), nil
}

func (s *scriptSubmitter) Cancel(ctx context.Context, jobID string) error {
	_, err := s.runCommand(ctx, s.cancelCmd(jobID))
	return err
}

func defaultRunCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w (output: %s)", argv[0], err, out.String())
	}
	return out.String(), nil
}

// sgeJobIDOutput matches qsub's "Your job 12345 (...) has been
// submitted." banner; PBS's qsub instead prints the job ID as the
// entire line, so the fallback is a trimmed first line.
var sgeJobIDOutput = regexp.MustCompile(`[Yy]our job (\S+)`)

func parseJobID(qsubOutput string) string {
	if m := sgeJobIDOutput.FindStringSubmatch(qsubOutput); len(m) == 2 {
		return m[1]
	}
	lines := strings.SplitN(strings.TrimSpace(qsubOutput), "\n", 2)
	return strings.TrimSpace(lines[0])
}

func renderTemplate(name, tmplText string, spec JobSpec) (string, error) {
	tmpl, err := template.New(name).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// Registry resolves a BatchSubmitter by name ("sge", "pbs"), the way
// the config layer names the active batch system.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]BatchSubmitter
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]BatchSubmitter)}
}

func (r *Registry) Register(sub BatchSubmitter) error {
	if sub == nil || sub.Name() == "" {
		return fmt.Errorf("batchsubmit: adapter and name are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[sub.Name()]; exists {
		return fmt.Errorf("batchsubmit: adapter %q already registered", sub.Name())
	}
	r.subs[sub.Name()] = sub
	return nil
}

func (r *Registry) Get(name string) (BatchSubmitter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs))
	for name := range r.subs {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a Registry pre-populated with the SGE and
// PBS submitters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NewSGESubmitter())
	_ = r.Register(NewPBSSubmitter())
	return r
}
