package batchsubmit

import (
	"strings"
	"testing"
)

func TestDefaultRegistryHasSGEAndPBS(t *testing.T) {
	r := DefaultRegistry()
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 adapters, got %v", names)
	}
	if _, ok := r.Get("sge"); !ok {
		t.Fatal("expected sge adapter registered")
	}
	if _, ok := r.Get("pbs"); !ok {
		t.Fatal("expected pbs adapter registered")
	}
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewSGESubmitter()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewSGESubmitter()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestParseJobIDFromSGEBanner(t *testing.T) {
	got := parseJobID(`Your job 12345 ("pydpiper-executor") has been submitted`)
	if got != "12345" {
		t.Fatalf("expected 12345, got %q", got)
	}
}

func TestParseJobIDFromPBSPlainOutput(t *testing.T) {
	got := parseJobID("98765.cluster-headnode\n")
	if got != "98765.cluster-headnode" {
		t.Fatalf("expected 98765.cluster-headnode, got %q", got)
	}
}

func TestSGETemplateRendersMemRequestVariable(t *testing.T) {
	script, err := renderTemplate("sge", sgeScriptTemplate, JobSpec{
		MemoryGB:      4,
		MemRequestVar: "vmem",
		PE:            "smp",
		Cores:         2,
		WorkingDir:    "/scratch/pipeline",
		LogDir:        "/scratch/pipeline/logs",
		Command:       []string{"pydpiper-executor", "--mem", "4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "#$ -l vmem=4G") {
		t.Fatalf("expected mem request directive, got:\n%s", script)
	}
	if !strings.Contains(script, "pydpiper-executor --mem 4") {
		t.Fatalf("expected command line, got:\n%s", script)
	}
}
