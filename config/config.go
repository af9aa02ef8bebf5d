package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"chaindb/clientdb"
	"chaindb/logx"
	"chaindb/pagedb"
)

// LoadDatabaseConfig reads and parses the chaindb.yml file.
func LoadDatabaseConfig(path string) (*DatabaseConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		logx.Error("CONFIG", fmt.Sprintf("failed to open %s: %v", path, err))
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		logx.Error("CONFIG", fmt.Sprintf("failed to decode YAML: %v", err))
		return nil, err
	}
	logx.Info("CONFIG", fmt.Sprintf("loaded config: backend=%s depth_k=%d soft_depth=%d",
		cfgFile.Config.Backend.Type, cfgFile.Config.ConfirmationDepthK, cfgFile.Config.SoftConfirmationDepth))
	return &cfgFile.Config, nil
}

// LoadEngineConfig reads storage engine tuning from an INI file. An
// empty path selects the defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{
		PageGroupPages:  pagedb.DefaultPageGroupPages,
		WriteBufferSize: pagedb.DefaultWriteBufferSize,
	}
	if path == "" {
		return cfg, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load engine config: %w", err)
	}
	if err := file.Section("engine").MapTo(cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, nil
}

// ClientConfig converts the YAML + INI configuration into the client
// database configuration.
func ClientConfig(db *DatabaseConfig, engine *EngineConfig) clientdb.Config {
	return clientdb.Config{
		ConfirmationDepthK:    db.ConfirmationDepthK,
		SoftConfirmationDepth: db.SoftConfirmationDepth,
		MaxForkTips:           db.MaxForkTips,
		MaxForkTipDistance:    db.MaxForkTipDistance,
		WriteBufferSize:       engine.WriteBufferSize,
	}
}
