package pushstream

import (
	"math/rand"

	"github.com/rs/zerolog"
)

// Runtime carries the ambient collaborators shared by pipeline components.
// The zero value uses the real clock, math/rand and a no-op logger.
type Runtime struct {
	Clock  Clock
	Logger *zerolog.Logger
	// Rand returns values in [0, 1) and feeds backoff jitter.
	Rand func() float64
}

func (r Runtime) withDefaults() Runtime {
	if r.Clock == nil {
		r.Clock = RealClock{}
	}
	if r.Logger == nil {
		nop := zerolog.Nop()
		r.Logger = &nop
	}
	if r.Rand == nil {
		r.Rand = rand.Float64
	}
	return r
}

func (r Runtime) logger(component string) zerolog.Logger {
	return r.Logger.With().Str("component", component).Logger()
}
