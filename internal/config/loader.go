package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const (
	userConfigDirName  = ".config"
	userConfigFileName = "config.json"
	repoConfigDirName  = "_overseer/_durable-state"
)

// Load resolves configuration from user defaults, repo overrides, and CLI
// overrides, in that precedence order. Missing files are fine; malformed
// ones are not.
func Load(repoRoot string, cliOverrides map[string]any, warn func(string)) (Config, error) {
	userPath, err := userConfigPath()
	if err != nil {
		return Config{}, err
	}

	merged := map[string]any{}
	merged, err = mergeConfigLayer(merged, userPath, "user defaults")
	if err != nil {
		return Config{}, err
	}

	if repoRoot != "" {
		repoPath := filepath.Join(repoRoot, repoConfigDirName, userConfigFileName)
		merged, err = mergeConfigLayer(merged, repoPath, "repo overrides")
		if err != nil {
			return Config{}, err
		}
	}

	if cliOverrides != nil {
		merged = mergeConfigMaps(merged, cliOverrides)
	}

	cfg := decodeConfig(merged)
	return ApplyDefaults(cfg, warn), nil
}

// userConfigPath resolves the user defaults path for config.json.
func userConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, "overseer", userConfigFileName), nil
}

// mergeConfigLayer reads a config file and merges it into the base map.
func mergeConfigLayer(base map[string]any, path string, label string) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

// readConfigFile parses a config JSON object from the given path.
func readConfigFile(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.UseNumber()

	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	if err := ensureEOF(decoder); err != nil {
		return nil, err
	}
	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}

// ensureEOF verifies the decoder consumed the entire input.
func ensureEOF(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("invalid trailing content after JSON object")
}

// mergeConfigMaps overlays override onto base and returns a merged map.
func mergeConfigMaps(base map[string]any, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

// cloneConfigMap copies a map recursively to prevent aliasing.
func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig best-effort decodes a config map into the Config struct.
func decodeConfig(raw map[string]any) Config {
	var cfg Config

	agents := toConfigMap(raw["agents"])
	if len(agents) > 0 {
		cfg.Agents = make(map[string]AgentConfig, len(agents))
		for label, value := range agents {
			entry := toConfigMap(value)
			if entry == nil {
				continue
			}
			cfg.Agents[label] = AgentConfig{
				Provider: parseString(entry["provider"]),
				Command:  parseString(entry["command"]),
				Model:    parseString(entry["model"]),
			}
		}
	}

	retries := toConfigMap(raw["retries"])
	cfg.Retries.MaxAttempts = parseInt(retries["max_attempts"])
	cfg.Retries.BackoffBaseMS = parseInt(retries["backoff_base_ms"])
	cfg.Retries.BackoffMaxMS = parseInt(retries["backoff_max_ms"])

	timeouts := toConfigMap(raw["timeouts"])
	cfg.Timeouts.IdleSeconds = parseInt(timeouts["idle_seconds"])

	worktrees := toConfigMap(raw["worktrees"])
	cfg.Worktrees.BaseDir = parseString(worktrees["base_dir"])
	cfg.Worktrees.Namespace = parseString(worktrees["namespace"])

	workflow := toConfigMap(raw["workflow"])
	cfg.Workflow.Dir = parseString(workflow["dir"])
	cfg.Workflow.MaxIterations = parseInt(workflow["max_iterations"])
	cfg.Workflow.LoopThreshold = parseInt(workflow["loop_threshold"])

	return cfg
}

// toConfigMap asserts a value as map[string]any.
func toConfigMap(value any) map[string]any {
	if value == nil {
		return nil
	}
	typed, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return typed
}

// parseInt reads an integer from a JSON number.
func parseInt(value any) int {
	parsed, ok := parseIntValue(value)
	if !ok {
		return 0
	}
	return parsed
}

// parseIntValue converts supported numeric types into an int.
func parseIntValue(value any) (int, bool) {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return int(integer), true
		}
		if floatValue, err := typed.Float64(); err == nil {
			return floatToInt(floatValue)
		}
	case float64:
		return floatToInt(typed)
	case float32:
		return floatToInt(float64(typed))
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case int32:
		return int(typed), true
	case uint:
		return int(typed), true
	case uint64:
		return int(typed), true
	}
	return 0, false
}

// floatToInt converts a float64 to int when it represents an integer.
func floatToInt(value float64) (int, bool) {
	if math.Trunc(value) != value {
		return 0, false
	}
	return int(value), true
}

// parseString returns trimmed string values from config maps.
func parseString(value any) string {
	typed, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(typed)
}
