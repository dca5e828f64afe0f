// Package config provides configuration management for ch32dbg-go.
// It reads settings from ch32dbg.ini using multiple search paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Config holds all configuration settings for the probe host tooling.
type Config struct {
	// Serial/connection settings
	Port           string
	BaudRate       int
	TimeoutSeconds int

	// Debug Module / target settings
	ResetTimeoutMS  int
	HaltPollMS      int
	FlashUnlockKey1 uint32
	FlashUnlockKey2 uint32

	// Logging
	LogLevel string
}

// Load reads configuration from ch32dbg.ini in the following search order:
// 1. Current directory (./ch32dbg.ini)
// 2. $CH32DBG directory ($CH32DBG/ch32dbg.ini)
// 3. Home directory (~/ch32dbg.ini)
// If no file is found, defaults are returned rather than an error: unlike
// the flash-layout settings a CLI cross-loader needs, the probe's defaults
// are sane for every CH32V003 target it can attach to.
func Load() (*Config, error) {
	var searchPaths []string

	searchPaths = append(searchPaths, filepath.Join(".", "ch32dbg.ini"))

	if dir := os.Getenv("CH32DBG"); dir != "" {
		searchPaths = append(searchPaths, filepath.Join(dir, "ch32dbg.ini"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, "ch32dbg.ini"))
	}

	cfg := defaults()

	var iniFile *ini.File
	var err error
	for _, path := range searchPaths {
		if _, statErr := os.Stat(path); statErr == nil {
			iniFile, err = ini.Load(path)
			if err == nil {
				break
			}
		}
	}

	if iniFile == nil {
		return cfg, nil
	}

	section := iniFile.Section("DEFAULT")
	cfg.Port = section.Key("port").MustString(cfg.Port)
	cfg.BaudRate = section.Key("baud_rate").MustInt(cfg.BaudRate)
	cfg.TimeoutSeconds = section.Key("timeout_seconds").MustInt(cfg.TimeoutSeconds)
	cfg.ResetTimeoutMS = section.Key("reset_timeout_ms").MustInt(cfg.ResetTimeoutMS)
	cfg.HaltPollMS = section.Key("halt_poll_ms").MustInt(cfg.HaltPollMS)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)

	if key := section.Key("flash_unlock_key1").MustString(""); key != "" {
		var v uint32
		if _, scanErr := fmt.Sscanf(key, "0x%x", &v); scanErr == nil {
			cfg.FlashUnlockKey1 = v
		}
	}
	if key := section.Key("flash_unlock_key2").MustString(""); key != "" {
		var v uint32
		if _, scanErr := fmt.Sscanf(key, "0x%x", &v); scanErr == nil {
			cfg.FlashUnlockKey2 = v
		}
	}

	return cfg, nil
}

// defaults returns the configuration used when no ch32dbg.ini is found,
// matching the CH32V003 FPEC unlock sequence.
func defaults() *Config {
	return &Config{
		Port:            "/dev/ttyACM0",
		BaudRate:        115200,
		TimeoutSeconds:  5,
		ResetTimeoutMS:  200,
		HaltPollMS:      100,
		FlashUnlockKey1: 0x45670123,
		FlashUnlockKey2: 0xCDEF89AB,
		LogLevel:        "info",
	}
}

// ConfigPath returns the path to the config file that would be loaded.
func ConfigPath() (string, error) {
	paths := []string{filepath.Join(".", "ch32dbg.ini")}

	if dir := os.Getenv("CH32DBG"); dir != "" {
		paths = append(paths, filepath.Join(dir, "ch32dbg.ini"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "ch32dbg.ini"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no ch32dbg.ini file found")
}
