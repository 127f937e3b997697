package scripting

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment-variable fallbacks. The flag
// --track-project maps to EXPCTX_TRACK_PROJECT.
const EnvPrefix = "EXPCTX"

// ArgumentSet collects the command-line arguments of a script, grouped per
// module. Each group owns a pflag.FlagSet; Parse merges them, parses the
// command line, and binds everything to viper for environment fallback.
type ArgumentSet struct {
	program string
	groups  []*ArgumentGroup
	merged  *pflag.FlagSet
	parsed  bool
}

// ArgumentGroup is a titled set of flags belonging to one module
type ArgumentGroup struct {
	Title       string
	Description string
	Flags       *pflag.FlagSet
}

func newArgumentSet(program string) *ArgumentSet {
	return &ArgumentSet{program: program}
}

// Group returns the argument group with the given title, creating it on
// first use. Modules call this from DefineArguments.
func (a *ArgumentSet) Group(title, description string) *ArgumentGroup {
	if a.parsed {
		panic("scripting: argument group requested after parsing")
	}
	for _, g := range a.groups {
		if g.Title == title {
			return g
		}
	}
	g := &ArgumentGroup{
		Title:       title,
		Description: description,
		Flags:       pflag.NewFlagSet(title, pflag.ContinueOnError),
	}
	a.groups = append(a.groups, g)
	return g
}

// Parse merges all groups and parses the given arguments (without the
// program name). It returns the resulting Config.
func (a *ArgumentSet) Parse(args []string) (*Config, error) {
	merged := pflag.NewFlagSet(a.program, pflag.ContinueOnError)
	merged.Usage = func() { fmt.Fprint(os.Stderr, a.Usage()) }
	for _, g := range a.groups {
		merged.AddFlagSet(g.Flags)
	}

	if err := merged.Parse(args); err != nil {
		return nil, err
	}
	a.merged = merged
	a.parsed = true

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(merged); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	return &Config{v: v, flags: merged}, nil
}

// Usage renders the grouped help text
func (a *ArgumentSet) Usage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage of %s:\n", a.program)
	for _, g := range a.groups {
		if !g.Flags.HasFlags() {
			continue
		}
		fmt.Fprintf(&b, "\n%s", g.Title)
		if g.Description != "" {
			fmt.Fprintf(&b, " - %s", g.Description)
		}
		fmt.Fprintf(&b, "\n%s", g.Flags.FlagUsages())
	}
	return b.String()
}

// Config provides typed access to the parsed settings. Precedence is
// explicit flag > environment variable (EXPCTX_*) > flag default.
type Config struct {
	v     *viper.Viper
	flags *pflag.FlagSet
}

// GetString returns the string value for key
func (c *Config) GetString(key string) string { return c.v.GetString(key) }

// GetInt returns the integer value for key
func (c *Config) GetInt(key string) int { return c.v.GetInt(key) }

// GetInt64 returns the 64-bit integer value for key
func (c *Config) GetInt64(key string) int64 { return c.v.GetInt64(key) }

// GetFloat64 returns the float value for key
func (c *Config) GetFloat64(key string) float64 { return c.v.GetFloat64(key) }

// GetBool returns the boolean value for key
func (c *Config) GetBool(key string) bool { return c.v.GetBool(key) }

// GetStringSlice returns the string-slice value for key
func (c *Config) GetStringSlice(key string) []string { return c.v.GetStringSlice(key) }

// GetDuration returns the duration value for key
func (c *Config) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }

// Changed reports whether the flag was set explicitly on the command line
func (c *Config) Changed(key string) bool {
	flag := c.flags.Lookup(key)
	return flag != nil && flag.Changed
}

// Provided reports whether a value was supplied for key by flag or
// environment, as opposed to falling back to the flag default.
func (c *Config) Provided(key string) bool {
	if c.Changed(key) {
		return true
	}
	env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	_, ok := os.LookupEnv(env)
	return ok
}

// Snapshot returns the effective value of every registered flag, keyed by
// flag name with dashes replaced by underscores. The tracking module uses
// this to build the run-config snapshot.
func (c *Config) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	c.flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		out[key] = c.v.Get(f.Name)
	})
	return out
}

// Visit calls fn for every registered flag with its effective value, keyed
// like Snapshot.
func (c *Config) Visit(fn func(key string, value interface{})) {
	c.flags.VisitAll(func(f *pflag.Flag) {
		fn(strings.ReplaceAll(f.Name, "-", "_"), c.v.Get(f.Name))
	})
}

// Keys returns the registered flag names, sorted
func (c *Config) Keys() []string {
	keys := []string{}
	c.flags.VisitAll(func(f *pflag.Flag) {
		keys = append(keys, f.Name)
	})
	sort.Strings(keys)
	return keys
}

// Args returns the positional arguments left after flag parsing
func (c *Config) Args() []string {
	return c.flags.Args()
}
