package hyperspaced

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hyperspace-platform/hyperspace/hyper"
	"github.com/hyperspace-platform/hyperspace/internal/logging"
	"github.com/hyperspace-platform/hyperspace/radio"
	"github.com/hyperspace-platform/hyperspace/tsch"
)

type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Node identity and placement.
	Node NodeConfig `yaml:"node"`
	// TSCH grid configuration.
	TSCH *tsch.Config `yaml:"tsch"`
	// Hyper routing engine configuration.
	Hyper *hyper.Config `yaml:"hyper"`
	// Radio physical-layer configuration.
	Radio radio.Config `yaml:"radio"`
	// Lowpan adaptation-layer configuration.
	Lowpan LowpanConfig `yaml:"lowpan"`
	// Schedule is the set of locally installed slotframes.
	Schedule []SlotframeConfig `yaml:"schedule"`
	// Debug configuration.
	Debug DebugConfig `yaml:"debug"`
}

// NodeConfig is the node's identity and reported location.
type NodeConfig struct {
	// PANID is the IEEE 802.15.4 PAN identifier.
	PANID uint16 `yaml:"pan_id"`
	// ShortAddr is the 16-bit link-layer address.
	ShortAddr uint16 `yaml:"short_addr"`
	// ExtendedAddr is the EUI-64 link-layer address.
	ExtendedAddr uint64 `yaml:"extended_addr"`
	// X, Y, Z is the Cartesian location feeding coordinate derivation.
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
	// TxQueue is the memory budget for the outgoing frame queue.
	TxQueue datasize.ByteSize `yaml:"tx_queue"`
}

// LowpanConfig configures the 6LoWPAN compressor.
type LowpanConfig struct {
	// Contexts installs stateful-compression prefixes; context 0 is
	// always the link-local prefix.
	Contexts []ContextConfig `yaml:"contexts"`
	// ElideUDPChecksum authorizes C=1 UDP compression.
	ElideUDPChecksum bool `yaml:"elide_udp_checksum"`
}

// ContextConfig is one context table entry.
type ContextConfig struct {
	ID     uint8  `yaml:"id"`
	Prefix string `yaml:"prefix"`
}

// SlotframeConfig describes one slotframe to install at startup.
type SlotframeConfig struct {
	ID       uint16       `yaml:"id"`
	NumSlots uint32       `yaml:"num_slots"`
	Links    []LinkConfig `yaml:"links"`
}

// LinkConfig describes one slot inside a slotframe.
type LinkConfig struct {
	Index uint32 `yaml:"index"`
	// Role selects the handler: tx, rx or shared.
	Role string `yaml:"role"`
}

// DebugConfig configures the periodic grid inspection dump.
type DebugConfig struct {
	// SlotFilter is a glob over "sf<id>/<index>" names; empty disables
	// the dump.
	SlotFilter string `yaml:"slot_filter"`
	// DumpInterval is how often the dump is logged.
	DumpInterval time.Duration `yaml:"dump_interval"`
}

// DefaultConfig returns the default daemon configuration: a minimal
// schedule with one shared bootstrap slotframe and one data slotframe.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		Node: NodeConfig{
			PANID:     0xCAFE,
			ShortAddr: 0x0001,
			TxQueue:   8 * datasize.KB,
		},
		TSCH:  tsch.DefaultConfig(),
		Hyper: hyper.DefaultConfig(),
		Radio: radio.Config{
			Channel:        5,
			PRF:            64,
			PreambleLength: 128,
			DataRate:       2,
		},
		Schedule: []SlotframeConfig{
			{
				ID:       1,
				NumSlots: 11,
				Links: []LinkConfig{
					{Index: 0, Role: "shared"},
				},
			},
			{
				ID:       2,
				NumSlots: 7,
				Links: []LinkConfig{
					{Index: 2, Role: "tx"},
					{Index: 5, Role: "rx"},
				},
			},
		},
		Debug: DebugConfig{
			SlotFilter:   "",
			DumpInterval: 30 * time.Second,
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}
