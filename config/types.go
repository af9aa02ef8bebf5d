package config

import "chaindb/pagedb"

// GenesisSeed deterministically seeds the height-zero block.
type GenesisSeed struct {
	Timestamp int64 `yaml:"timestamp"`
}

// DatabaseConfig holds the configuration from chaindb.yml.
type DatabaseConfig struct {
	ConfirmationDepthK    uint64               `yaml:"confirmation_depth_k"`
	SoftConfirmationDepth uint64               `yaml:"soft_confirmation_depth"`
	MaxForkTips           int                  `yaml:"max_fork_tips"`
	MaxForkTipDistance    uint64               `yaml:"max_fork_tip_distance"`
	Backend               pagedb.BackendConfig `yaml:"backend"`
	Genesis               GenesisSeed          `yaml:"genesis"`
}

// ConfigFile is the top-level structure for chaindb.yml.
type ConfigFile struct {
	Config DatabaseConfig `yaml:"config"`
}

// EngineConfig tunes the storage engine, loaded from an INI file.
type EngineConfig struct {
	PageGroupPages  uint32 `ini:"page_group_pages"`
	WriteBufferSize int    `ini:"write_buffer_size"`
}
