package couchsys

// Opt is an option for configuring a System
type Opt func(s *System)

// WithLogger sets the system's logger. Logging is disabled by default.
func WithLogger(logger Logger) Opt {
	return func(s *System) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResetConcurrency bounds the number of per-database operations Reset runs at once
func WithResetConcurrency(n int) Opt {
	return func(s *System) {
		if n > 0 {
			s.resetConcurrency = n
		}
	}
}
