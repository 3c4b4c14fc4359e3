// Package config is the flat, defaults-first configuration struct
// every cmd/node binary binds flags onto, grounded on the teacher's
// pkg/server/config.go (flat Config struct + DefaultConfig function,
// bound from flag.* in cmd/server/main.go).
package config

import "time"

// Config holds one node's full startup configuration: which group it
// belongs to, how it talks to its peers, and how its admin surface is
// exposed.
type Config struct {
	Host string // admin/debug HTTP host
	Port int    // admin/debug HTTP port

	GroupKind string // "master" or "slave"
	SlaveID   string // only meaningful when GroupKind == "slave"

	DataDir    string // consensus log + raft-boltdb storage directory
	RaftBind   string // address this node's raft transport listens on
	RaftPeers  []string

	GossipTick time.Duration // period of the RemoteLeaderChangedTick (spec.md §4.6)

	FreeNodes []FreeNodeEntry // statically provisioned Slave pool (spec.md §8 scenarios)

	EnableCORS     bool
	AllowedOrigins []string
	EnableLogging  bool
	LogFormat      string // "text" or "json"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AbortRate is spec.md §8 scenario 2's probabilistic RM abort vote on
	// CreateTable Prepare; zero in production. cmd/node hands it only to
	// the Master, which never validates a Prepare, so it has no effect there.
	AbortRate float64

	// ConflictRate injects spec.md §8 scenario 6's probabilistic
	// retriable-abort vote on a MutateRows Prepare; zero in production.
	ConflictRate float64
}

// FreeNodeEntry mirrors freenode.Entry without importing pkg/freenode.
// cmd/node does not read Config.FreeNodes; it builds its freenode.Static
// from the -free-nodes flag directly.
type FreeNodeEntry struct {
	SlaveID  string
	Endpoint string
}

// DefaultConfig returns a configuration with sensible defaults, matching
// the teacher's DefaultConfig shape field-for-field where the concern
// carries over (timeouts, CORS, logging).
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           8090,
		GroupKind:      "master",
		DataDir:        "./data",
		RaftBind:       "localhost:9090",
		GossipTick:     2 * time.Second,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		EnableLogging:  true,
		LogFormat:      "text",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		AbortRate:      0,
		ConflictRate:   0,
	}
}
