package internal

// Option configures the sync agent assembled by Run.
type Option func(*application)

type application struct {
	config *Config
}

// WithConfig supplies an already-loaded configuration instead of the
// defaults.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
