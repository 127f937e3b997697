// Package rng provides a seeded random source for reproducible scripts.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/track"
)

// ModuleName is the registry name of the rng module
const ModuleName = "rng"

// Module builds a random source seeded from a --seed flag, or from
// entropy when none is given. The effective seed is recorded in the run
// config so a resumed or repeated run can reproduce it.
type Module struct {
	scripting.Base
	seed int64
	rand *rand.Rand
}

var _ scripting.Module = (*Module)(nil)

// New creates the rng module
func New() *Module {
	return &Module{}
}

// Name returns the module registry name
func (m *Module) Name() string { return ModuleName }

// Seed returns the effective seed. It is valid after Init.
func (m *Module) Seed() int64 { return m.seed }

// Rand returns the seeded random source. It is valid after Init.
func (m *Module) Rand() *rand.Rand { return m.rand }

// DefineArguments registers the --seed flag
func (m *Module) DefineArguments(ctx *scripting.Context) error {
	group := ctx.Arguments().Group("Random", "Configuration for random number generation.")
	group.Flags.Int64("seed", 0, "The seed for random number generation. Derived from entropy when unset.")
	return nil
}

// Init resolves and applies the seed
func (m *Module) Init(ctx *scripting.Context) error {
	if ctx.Config().Provided("seed") {
		m.seed = ctx.Config().GetInt64("seed")
	} else {
		seed, err := deriveSeed()
		if err != nil {
			return fmt.Errorf("failed to derive seed: %w", err)
		}
		m.seed = seed
	}
	m.rand = rand.New(rand.NewSource(m.seed))

	if ctx.IsUsing(track.ModuleName) {
		scripting.Get[*track.Module](ctx).AddConfig("seed", m.seed)
	}
	ctx.Logger().Scope(ModuleName).Debug("seeded", map[string]interface{}{"seed": m.seed})
	return nil
}

func deriveSeed() (int64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, err
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]))
	if seed < 0 {
		seed = -seed
	}
	return seed, nil
}
