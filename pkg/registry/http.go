package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"meshgate/pkg/httpx"
)

// HTTPSource loads the service set from a remote discovery endpoint:
// GET {URL} returning a JSON array of service descriptors.
type HTTPSource struct {
	URL        string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func (s HTTPSource) Load(ctx context.Context) ([]ServiceDescriptor, error) {
	status, body, err := httpx.RequestJSON(ctx, s.Client, http.MethodGet, s.URL, nil, nil, s.Retries, s.RetryDelay)
	if err != nil {
		return nil, &DiscoveryError{Source: "http", Err: err}
	}
	if status != http.StatusOK {
		return nil, &DiscoveryError{Source: "http", Err: fmt.Errorf("discovery endpoint returned %d", status)}
	}
	var services []ServiceDescriptor
	if err := json.Unmarshal(body, &services); err != nil {
		return nil, &DiscoveryError{Source: "http", Err: err}
	}
	return services, nil
}
