package registry

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of a pgx pool the postgres source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource loads the service set from a services table. The table is
// owned by an external provisioning process; the gateway only reads it.
type PostgresSource struct {
	DB Querier
}

const postgresListQuery = `
SELECT name, base_url, COALESCE(health_url, ''), COALESCE(version, ''), COALESCE(metadata, '{}'::jsonb)
FROM services
WHERE enabled
ORDER BY name`

func (s PostgresSource) Load(ctx context.Context) ([]ServiceDescriptor, error) {
	rows, err := s.DB.Query(ctx, postgresListQuery)
	if err != nil {
		return nil, &DiscoveryError{Source: "postgres", Err: err}
	}
	defer rows.Close()
	var services []ServiceDescriptor
	for rows.Next() {
		var svc ServiceDescriptor
		var metadata []byte
		if err := rows.Scan(&svc.Name, &svc.URL, &svc.HealthURL, &svc.Version, &metadata); err != nil {
			return nil, &DiscoveryError{Source: "postgres", Err: err}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &svc.Metadata); err != nil {
				return nil, &DiscoveryError{Source: "postgres", Err: err}
			}
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, &DiscoveryError{Source: "postgres", Err: err}
	}
	return services, nil
}
