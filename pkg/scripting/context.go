// Package scripting wires command-line argument parsing, a pluggable module
// lifecycle, and a background job runner into a single Context for
// experiment scripts.
//
// A script builds a Context around its main function, registers the modules
// it needs, and calls Execute:
//
//	func main() {
//		ctx := scripting.New(run)
//		ctx.Use(rng.New())
//		ctx.Use(track.New())
//		if err := ctx.Execute(nil); err != nil {
//			os.Exit(1)
//		}
//	}
package scripting

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/expctx/expctx/pkg/logging"
)

const (
	// defaultPollInterval is the cadence at which Execute checks job liveness
	defaultPollInterval = 100 * time.Millisecond
)

var (
	currentMu  sync.Mutex
	currentCtx *Context
)

// Current returns the context currently executing, or nil. Persistent
// objects use it so constructors don't have to thread the context through
// model code.
func Current() *Context {
	currentMu.Lock()
	defer currentMu.Unlock()
	return currentCtx
}

func setCurrent(c *Context) {
	currentMu.Lock()
	defer currentMu.Unlock()
	currentCtx = c
}

// Context owns the argument set, the module registry, and the background
// job for one script execution.
type Context struct {
	logger  *logging.Logger
	args    *ArgumentSet
	config  *Config
	modules []Module
	byName  map[string]Module
	job     *Job

	jobCtx context.Context
	cancel context.CancelFunc

	pollInterval time.Duration
	executed     bool
}

// New creates a context around the script's main function
func New(main JobFunc) *Context {
	program := "script"
	if len(os.Args) > 0 {
		program = filepath.Base(os.Args[0])
	}
	c := &Context{
		logger:       logging.New(logging.INFO, false),
		args:         newArgumentSet(program),
		byName:       make(map[string]Module),
		job:          newJob(main),
		pollInterval: defaultPollInterval,
	}
	general := c.args.Group("General", "Configuration for the script itself.")
	general.Flags.String("log-level", "info", "log level (debug, info, warn, error)")
	general.Flags.Bool("log-json", false, "emit logs as JSON")
	return c
}

// Use registers a module with the context. Modules initialize in
// registration order and tear down in reverse. Registering two modules
// with the same name is a programming error and panics.
func (c *Context) Use(m Module) *Context {
	if c.executed {
		panic("scripting: Use called after Execute")
	}
	if _, ok := c.byName[m.Name()]; ok {
		panic(fmt.Sprintf("scripting: module %q registered twice", m.Name()))
	}
	c.modules = append(c.modules, m)
	c.byName[m.Name()] = m
	return c
}

// IsUsing reports whether a module with the given name is registered
func (c *Context) IsUsing(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Module returns the registered module with the given name, or nil
func (c *Context) Module(name string) Module {
	return c.byName[name]
}

// Get returns the registered module of type T, or panics if the script
// does not use one. Use IsUsing to probe optional modules first.
func Get[T Module](c *Context) T {
	for _, m := range c.modules {
		if t, ok := m.(T); ok {
			return t
		}
	}
	var zero T
	panic(fmt.Sprintf("scripting: module %T not registered", zero))
}

// Arguments returns the script's argument set
func (c *Context) Arguments() *ArgumentSet {
	return c.args
}

// Config returns the parsed settings. It is nil before Execute parses the
// command line.
func (c *Context) Config() *Config {
	return c.config
}

// Logger returns the script logger
func (c *Context) Logger() *logging.Logger {
	return c.logger
}

// Ctx returns the cancellation context for the running job. Modules and
// the job should pass it to blocking calls; it is canceled on SIGINT or
// SIGTERM.
func (c *Context) Ctx() context.Context {
	if c.jobCtx == nil {
		return context.Background()
	}
	return c.jobCtx
}

// Job returns the background job
func (c *Context) Job() *Job {
	return c.job
}

// Err returns the job's exit error, if any
func (c *Context) Err() error {
	return c.job.Err()
}

// Execute runs the full lifecycle: argument definition and parsing, module
// init and start, the job on a background goroutine with liveness polling
// and signal handling, then module stop and finish in reverse order.
// Passing nil args uses os.Args[1:].
func (c *Context) Execute(args []string) error {
	if c.executed {
		return fmt.Errorf("scripting: context already executed")
	}
	c.executed = true

	if args == nil {
		args = os.Args[1:]
	}

	setCurrent(c)
	defer setCurrent(nil)

	for _, m := range c.modules {
		if err := m.DefineArguments(c); err != nil {
			return fmt.Errorf("module %s: define arguments: %w", m.Name(), err)
		}
	}

	config, err := c.args.Parse(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	c.config = config
	c.logger = logging.New(logging.ParseLevel(config.GetString("log-level")), config.GetBool("log-json"))

	c.jobCtx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	started := []Module{}
	defer func() {
		// Finish runs for every module whose arguments were defined,
		// reverse order, even after failures.
		for i := len(c.modules) - 1; i >= 0; i-- {
			m := c.modules[i]
			if ferr := m.Finish(c); ferr != nil {
				c.logger.Error("module finish failed", map[string]interface{}{
					"module": m.Name(), "error": ferr.Error(),
				})
			}
		}
	}()

	stopStarted := func() error {
		var firstErr error
		for i := len(started) - 1; i >= 0; i-- {
			m := started[i]
			if serr := m.Stop(c); serr != nil {
				c.logger.Error("module stop failed", map[string]interface{}{
					"module": m.Name(), "error": serr.Error(),
				})
				if firstErr == nil {
					firstErr = fmt.Errorf("module %s: stop: %w", m.Name(), serr)
				}
			}
		}
		return firstErr
	}

	for _, m := range c.modules {
		if err := m.Init(c); err != nil {
			return fmt.Errorf("module %s: init: %w", m.Name(), err)
		}
	}

	for _, m := range c.modules {
		if err := m.Start(c); err != nil {
			stopStarted()
			return fmt.Errorf("module %s: start: %w", m.Name(), err)
		}
		started = append(started, m)
	}

	c.runJob()

	if stopErr := stopStarted(); stopErr != nil && c.job.Err() == nil {
		return stopErr
	}
	return c.job.Err()
}

// runJob starts the job goroutine and polls it for completion while
// watching for termination signals. The first signal cancels the job
// context and keeps waiting; the second stops waiting immediately.
func (c *Context) runJob() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	c.job.start(c, c.jobCtx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case sig := <-sigChan:
			if interrupted {
				c.logger.Error("second signal received, abandoning job", map[string]interface{}{
					"signal": sig.String(),
				})
				return
			}
			interrupted = true
			c.logger.Warn("signal received, canceling job", map[string]interface{}{
				"signal": sig.String(),
			})
			c.cancel()
		case <-ticker.C:
			if !c.job.Alive() {
				return
			}
		case <-c.job.Done():
			return
		}
	}
}
