// Package devseed loads JSON seed files for the in-memory QDB used by the
// mock runtime mode and the sandbox server.
package devseed

import (
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

// EntitySeed describes one entity and its initial field values. ID may be
// left empty to have the mock generate one.
type EntitySeed struct {
	ID     string                      `json:"id"`
	Type   string                      `json:"type"`
	Name   string                      `json:"name"`
	Fields map[string]qdbapi.WireValue `json:"fields"`
}

type seedFile struct {
	Entities []EntitySeed `json:"entities"`
}

// LoadEntitySeed reads path. The file holds either {"entities": [...]} or a
// bare array of entities.
func LoadEntitySeed(path string) ([]EntitySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devseed: read %s: %w", path, err)
	}
	return ParseEntitySeed(data)
}

// ParseEntitySeed decodes seed data already in memory.
func ParseEntitySeed(data []byte) ([]EntitySeed, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var entities []EntitySeed
	if strings.HasPrefix(trimmed, "[") {
		if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &entities); err != nil {
			return nil, fmt.Errorf("devseed: decode entity list: %w", err)
		}
	} else {
		var f seedFile
		if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &f); err != nil {
			return nil, fmt.Errorf("devseed: decode seed: %w", err)
		}
		entities = f.Entities
	}

	for i, e := range entities {
		if strings.TrimSpace(e.Type) == "" {
			return nil, fmt.Errorf("devseed: entity %d has no type", i)
		}
		for name, v := range e.Fields {
			if !qdbapi.KnownValueTypeURL(v.TypeURL) {
				return nil, fmt.Errorf("devseed: entity %d field %q: unknown type %q", i, name, v.TypeURL)
			}
		}
	}
	return entities, nil
}
