package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// PutErrorRecord appends an error row to the errors table.
func PutErrorRecord(ctx context.Context, t kvtab.Table, rec ErrorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("domain: marshal error record: %w", err)
	}
	return t.Put(ctx, rec.PK, data)
}

// RouteRecord is a row in the router-log table auditing one routing decision.
type RouteRecord struct {
	PK         string  `json:"pk"`
	Timestamp  string  `json:"timestamp"`
	PDFKey     string  `json:"pdf_key"`
	PageCount  int     `json:"page_count"`
	FileSizeMB float64 `json:"file_size_mb"`
	Route      string  `json:"route"`
	Reason     string  `json:"reason"`
	Date       string  `json:"date"`
}

// PutRouteRecord appends a routing decision to the router-log table.
func PutRouteRecord(ctx context.Context, t kvtab.Table, rec RouteRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("domain: marshal route record: %w", err)
	}
	return t.Put(ctx, rec.PK, data)
}

// ConfigEntry is a versioned configuration value.
type ConfigEntry struct {
	ConfigType string `json:"config_type"`
	ConfigKey  string `json:"config_key"`
	Value      string `json:"value"`
	Version    int    `json:"version"`
}

// ConfigTableKey builds the KV key for a config entry.
func ConfigTableKey(configType, configKey string) string {
	return configType + "/" + configKey
}

// GetConfig reads a config entry; kvtab.ErrNotFound when absent.
func GetConfig(ctx context.Context, t kvtab.Table, configType, configKey string) (ConfigEntry, error) {
	e, err := t.Get(ctx, ConfigTableKey(configType, configKey))
	if err != nil {
		return ConfigEntry{}, err
	}
	var out ConfigEntry
	if err := json.Unmarshal(e.Value, &out); err != nil {
		return ConfigEntry{}, fmt.Errorf("domain: decode config %s/%s: %w", configType, configKey, err)
	}
	return out, nil
}

// PutConfig writes a config entry, bumping the version over any existing one.
func PutConfig(ctx context.Context, t kvtab.Table, entry ConfigEntry) error {
	if prev, err := GetConfig(ctx, t, entry.ConfigType, entry.ConfigKey); err == nil {
		entry.Version = prev.Version + 1
	} else if entry.Version == 0 {
		entry.Version = 1
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("domain: marshal config: %w", err)
	}
	return t.Put(ctx, ConfigTableKey(entry.ConfigType, entry.ConfigKey), data)
}
