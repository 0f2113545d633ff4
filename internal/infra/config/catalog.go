package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/mprview/internal/domain/protocol"
)

// ProtocolCatalog is a file of static protocol definitions.
type ProtocolCatalog struct {
	Protocols []protocol.Definition `json:"protocols" yaml:"protocols"`
}

// LoadProtocolCatalog reads a .yaml, .yml or .json catalog. Every definition is normalised
// and validated; duplicate ids are rejected.
func LoadProtocolCatalog(path string) ([]protocol.Definition, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("open protocol catalog: %w", err)
	}
	return ParseProtocolCatalog(filepath.Ext(path), raw)
}

// ParseProtocolCatalog decodes a catalog in the format named by ext.
func ParseProtocolCatalog(ext string, raw []byte) ([]protocol.Definition, error) {
	var catalog ProtocolCatalog
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(raw, &catalog); err != nil {
			return nil, fmt.Errorf("unmarshal protocol catalog: %w", err)
		}
	case "json":
		if err := json.Unmarshal(raw, &catalog); err != nil {
			return nil, fmt.Errorf("unmarshal protocol catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("protocol catalog: unsupported format %q", ext)
	}

	seen := make(map[string]struct{}, len(catalog.Protocols))
	out := make([]protocol.Definition, 0, len(catalog.Protocols))
	for i, def := range catalog.Protocols {
		def = def.Normalize()
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("protocol catalog entry %d (%q): %w", i, def.ID, err)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("protocol catalog: duplicate protocol id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
		out = append(out, def)
	}
	return out, nil
}
