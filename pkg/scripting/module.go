package scripting

// Module is a pluggable unit of script behavior hooked into the context
// lifecycle. Hooks run in this order:
//
//	DefineArguments  before the command line is parsed
//	Init             after parsing, in registration order
//	Start            before the job goroutine starts, in registration order
//	Stop             after the job returns, in reverse order
//	Finish           last, in reverse order, always called for started modules
//
// Base provides no-op implementations of everything except Name.
type Module interface {
	Name() string
	DefineArguments(ctx *Context) error
	Init(ctx *Context) error
	Start(ctx *Context) error
	Stop(ctx *Context) error
	Finish(ctx *Context) error
}

// Base is a convenience embed for modules that only need some of the hooks
type Base struct{}

// DefineArguments is a no-op
func (Base) DefineArguments(*Context) error { return nil }

// Init is a no-op
func (Base) Init(*Context) error { return nil }

// Start is a no-op
func (Base) Start(*Context) error { return nil }

// Stop is a no-op
func (Base) Stop(*Context) error { return nil }

// Finish is a no-op
func (Base) Finish(*Context) error { return nil }
