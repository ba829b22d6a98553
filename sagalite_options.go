package sagalite

import "time"

type queueConfig struct {
	capacity                int
	tickInterval            time.Duration
	poolWorkers             int
	failSagaOnUnknownWorker bool
}

type sagaliteConfig struct {
	logger    Logger
	randomIDs bool
	queue     queueConfig
}

type sagaliteOption func(*sagaliteConfig)

func WithLogger(logger Logger) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.logger = logger
	}
}

// WithRandomIDs allocates 128-bit random record ids instead of the meta-table
// counter. Required when several orchestrator processes write one namespace.
func WithRandomIDs() sagaliteOption {
	return func(c *sagaliteConfig) {
		c.randomIDs = true
	}
}

// WithTickInterval sets the scheduling tick period.
func WithTickInterval(interval time.Duration) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.queue.tickInterval = interval
	}
}

// WithCapacity bounds concurrent in-flight steps across all sagas of this
// process.
func WithCapacity(n int) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.queue.capacity = n
	}
}

// WithPoolWorkers sets how many goroutines invoke worker callbacks. Defaults
// to the in-flight capacity.
func WithPoolWorkers(n int) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.queue.poolWorkers = n
	}
}

// WithKeepQueuedOnUnknownWorker logs steps whose worker is unregistered and
// leaves them Queued, instead of failing the saga.
func WithKeepQueuedOnUnknownWorker() sagaliteOption {
	return func(c *sagaliteConfig) {
		c.queue.failSagaOnUnknownWorker = false
	}
}
