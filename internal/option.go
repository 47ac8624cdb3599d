package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	agent     bool
	replicaID string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithAgent enables the stdio agent server alongside the control API.
func WithAgent(enabled bool) Option {
	return func(a *application) {
		a.agent = enabled
	}
}

// WithReplicaID overrides the generated replica identifier.
func WithReplicaID(id string) Option {
	return func(a *application) {
		a.replicaID = id
	}
}
