package pagedb

import "fmt"

// BackendType selects a backend implementation.
type BackendType string

const (
	// MemoryBackendType keeps pages in memory, for tests and tooling.
	MemoryBackendType BackendType = "memory"
	// FileBackendType stores pages in a flat file.
	FileBackendType BackendType = "file"
	// LevelDBBackendType stores pages in a LevelDB directory.
	LevelDBBackendType BackendType = "leveldb"
	// BoltBackendType stores pages in a bbolt file.
	BoltBackendType BackendType = "bolt"
)

// BackendConfig holds configuration for creating a backend.
type BackendConfig struct {
	// Type specifies which backend implementation to use.
	Type BackendType `json:"type" yaml:"type"`

	// Path is the backing file or directory (unused for memory).
	Path string `json:"path" yaml:"path"`
}

// Validate validates the backend configuration.
func (bc *BackendConfig) Validate() error {
	switch bc.Type {
	case MemoryBackendType:
		return nil
	case FileBackendType, LevelDBBackendType, BoltBackendType:
		if bc.Path == "" {
			return fmt.Errorf("path cannot be empty for %s backend", bc.Type)
		}
		return nil
	case "":
		return fmt.Errorf("backend type cannot be empty")
	default:
		return fmt.Errorf("unsupported backend type: %s", bc.Type)
	}
}

// OpenBackend creates a backend instance from its configuration.
func OpenBackend(cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch cfg.Type {
	case MemoryBackendType:
		return NewMemoryBackend(), nil
	case FileBackendType:
		return NewFileBackend(cfg.Path)
	case LevelDBBackendType:
		return NewLevelDBBackend(cfg.Path)
	case BoltBackendType:
		return NewBoltBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}
