package hyper

import "time"

// Config is the configuration for the routing engine.
type Config struct {
	// LatticeR is the Cartesian lattice constant locations snap to.
	LatticeR float64 `yaml:"lattice_r"`
	// HyperLatticeR is the hyperbolic translation distance per lattice
	// step.
	HyperLatticeR float64 `yaml:"hyper_lattice_r"`
	// RouteTableSize bounds the route entry pool.
	RouteTableSize uint32 `yaml:"route_table_size"`
	// RouteTimeout evicts routes idle longer than this.
	RouteTimeout time.Duration `yaml:"route_timeout"`
	// CoordRequestTimeout is the initial retransmit interval of
	// coordinate discovery.
	CoordRequestTimeout time.Duration `yaml:"coord_request_timeout"`
	// MaxCoordRequests bounds unanswered coordinate requests per route.
	MaxCoordRequests int `yaml:"max_coord_requests"`
	// PacketCacheSize bounds the duplicate-suppression ring.
	PacketCacheSize int `yaml:"packet_cache_size"`
	// PacketCacheTimeout is the duplicate-suppression window.
	PacketCacheTimeout time.Duration `yaml:"packet_cache_timeout"`
}

// DefaultConfig returns the default routing engine configuration.
func DefaultConfig() *Config {
	return &Config{
		LatticeR:            1.0,
		HyperLatticeR:       2.6339157938,
		RouteTableSize:      64,
		RouteTimeout:        300 * time.Second,
		CoordRequestTimeout: 2 * time.Second,
		MaxCoordRequests:    3,
		PacketCacheSize:     32,
		PacketCacheTimeout:  10 * time.Second,
	}
}
