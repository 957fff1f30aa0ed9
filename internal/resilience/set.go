package resilience

import (
	"sync"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/logging"
)

// Set is a collection of breakers keyed by name, one per remote host.
// Breakers are created lazily on first use and share one Settings value;
// state changes are logged.
type Set struct {
	settings Settings
	logger   *logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a breaker set. The set installs its own OnStateChange
// hook; any hook already present in settings is called after logging.
func NewSet(settings Settings, logger *logging.Logger) *Set {
	s := &Set{
		logger:   logger.Named("breaker"),
		breakers: make(map[string]*Breaker),
	}

	chained := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to State) {
		s.logger.Warn("circuit state changed",
			zap.String("host", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if chained != nil {
			chained(name, from, to)
		}
	}
	s.settings = settings
	return s
}

// For returns the breaker for name, creating it on first use.
func (s *Set) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.settings)
		s.breakers[name] = b
	}
	return b
}

// Do runs op through the breaker for name.
func (s *Set) Do(name string, op func() error) error {
	return s.For(name).Do(op)
}

// States returns a snapshot of every breaker's state for debug output.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
