package scripting

import (
	"os"
	"strings"
	"testing"
)

func TestParseFlagsAndDefaults(t *testing.T) {
	args := newArgumentSet("test")
	group := args.Group("Test", "test flags")
	group.Flags.String("name", "default-name", "a name")
	group.Flags.Int("count", 3, "a count")

	cfg, err := args.Parse([]string{"--name", "explicit"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := cfg.GetString("name"); got != "explicit" {
		t.Errorf("name should be explicit, got %q", got)
	}
	if got := cfg.GetInt("count"); got != 3 {
		t.Errorf("count should fall back to default 3, got %d", got)
	}
	if !cfg.Changed("name") {
		t.Error("name should be marked changed")
	}
	if cfg.Changed("count") {
		t.Error("count should not be marked changed")
	}
}

func TestEnvironmentFallback(t *testing.T) {
	args := newArgumentSet("test")
	group := args.Group("Test", "")
	group.Flags.String("data-dir", "/tmp/default", "")

	os.Setenv("EXPCTX_DATA_DIR", "/from/env")
	defer os.Unsetenv("EXPCTX_DATA_DIR")

	cfg, err := args.Parse([]string{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := cfg.GetString("data-dir"); got != "/from/env" {
		t.Errorf("data-dir should come from environment, got %q", got)
	}
	if !cfg.Provided("data-dir") {
		t.Error("data-dir should be reported as provided via environment")
	}
	if cfg.Changed("data-dir") {
		t.Error("data-dir was not set on the command line")
	}
}

func TestFlagOverridesEnvironment(t *testing.T) {
	args := newArgumentSet("test")
	group := args.Group("Test", "")
	group.Flags.String("mode", "a", "")

	os.Setenv("EXPCTX_MODE", "b")
	defer os.Unsetenv("EXPCTX_MODE")

	cfg, err := args.Parse([]string{"--mode", "c"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := cfg.GetString("mode"); got != "c" {
		t.Errorf("explicit flag should win over environment, got %q", got)
	}
}

func TestGroupReuse(t *testing.T) {
	args := newArgumentSet("test")
	g1 := args.Group("Shared", "first")
	g2 := args.Group("Shared", "second")
	if g1 != g2 {
		t.Error("Group should return the same group for the same title")
	}
}

func TestSnapshot(t *testing.T) {
	args := newArgumentSet("test")
	group := args.Group("Test", "")
	group.Flags.String("model-name", "resnet", "")
	group.Flags.Int("batch-size", 32, "")

	cfg, err := args.Parse([]string{"--batch-size", "64"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	snap := cfg.Snapshot()
	if snap["model_name"] != "resnet" {
		t.Errorf("snapshot model_name should be resnet, got %v", snap["model_name"])
	}
	// Dashes become underscores in snapshot keys
	if _, ok := snap["batch-size"]; ok {
		t.Error("snapshot keys should use underscores")
	}
}

func TestUsageListsGroups(t *testing.T) {
	args := newArgumentSet("test")
	g := args.Group("Training", "Hyperparameters.")
	g.Flags.Int("epochs", 1, "epoch count")

	usage := args.Usage()
	if !strings.Contains(usage, "Training") {
		t.Error("Usage should contain the group title")
	}
	if !strings.Contains(usage, "--epochs") {
		t.Error("Usage should contain the flag")
	}
}

func TestPositionalArgs(t *testing.T) {
	args := newArgumentSet("test")
	args.Group("Test", "").Flags.String("x", "", "")

	cfg, err := args.Parse([]string{"--x", "1", "pos1", "pos2"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	rest := cfg.Args()
	if len(rest) != 2 || rest[0] != "pos1" || rest[1] != "pos2" {
		t.Errorf("positional args should survive parsing, got %v", rest)
	}
}
