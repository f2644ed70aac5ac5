package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StaticSource loads the service set from inline JSON or from a JSON file.
// The document is a JSON array of service descriptors.
type StaticSource struct {
	// JSON takes precedence over Path when both are set.
	JSON string
	Path string
}

func (s StaticSource) Load(ctx context.Context) ([]ServiceDescriptor, error) {
	raw := []byte(strings.TrimSpace(s.JSON))
	if len(raw) == 0 {
		if strings.TrimSpace(s.Path) == "" {
			return nil, &DiscoveryError{Source: "static", Err: errNoStaticSource}
		}
		b, err := os.ReadFile(filepath.Clean(s.Path))
		if err != nil {
			return nil, &DiscoveryError{Source: "static", Err: err}
		}
		raw = b
	}
	var services []ServiceDescriptor
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, &DiscoveryError{Source: "static", Err: err}
	}
	return services, nil
}

var errNoStaticSource = errors.New("static registry requires inline JSON or a file path")
