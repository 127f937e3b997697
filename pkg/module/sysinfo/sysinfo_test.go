package sysinfo

import (
	"testing"

	"github.com/expctx/expctx/pkg/scripting"
)

func TestDetect(t *testing.T) {
	info := Detect()
	if info.OS == "" {
		t.Error("OS should be detected")
	}
	if info.CPUThreads < 1 {
		t.Errorf("CPU threads should be at least 1, got %d", info.CPUThreads)
	}
}

func TestModuleInit(t *testing.T) {
	m := New()
	ctx := scripting.New(func(ctx *scripting.Context) error {
		if m.Info().CPUThreads < 1 {
			t.Error("Info should be populated after Init")
		}
		return nil
	})
	ctx.Use(m)

	if err := ctx.Execute([]string{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}
