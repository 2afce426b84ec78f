package catalogsource

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
)

// PostgresSource reads curated parks from the parks table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource constructs the source.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) Name() string {
	return "postgres"
}

// Load returns every park row.
func (s *PostgresSource) Load(ctx context.Context) ([]catalog.Park, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, COALESCE(address, ''), COALESCE(city, ''), COALESCE(state, ''), lat, lng,
		       COALESCE(fenced, false), COALESCE(dogs_allowed, false), COALESCE(bathrooms, false),
		       COALESCE(shade, ''), COALESCE(parking, ''), COALESCE(lighting, ''),
		       COALESCE(adaptive_equipment, ''), COALESCE(seating, ''),
		       COALESCE(notes, ''), COALESCE(pack_list, ''), COALESCE(parent_tip, ''),
		       COALESCE(image_url, ''), COALESCE(aka, '')
		FROM parks
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parks []catalog.Park
	for rows.Next() {
		p, err := scanPark(rows)
		if err != nil {
			return nil, err
		}
		parks = append(parks, p)
	}
	return parks, rows.Err()
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}

func scanPark(rows pgx.Rows) (catalog.Park, error) {
	var (
		p    catalog.Park
		kind string
	)
	err := rows.Scan(
		&p.ID, &p.Name, &kind, &p.Address, &p.City, &p.State, &p.Lat, &p.Lng,
		&p.Fenced, &p.DogsAllowed, &p.Bathrooms,
		&p.Shade, &p.Parking, &p.Lighting, &p.AdaptiveEquipment, &p.Seating,
		&p.Notes, &p.PackList, &p.ParentTip, &p.ImageURL, &p.AKA,
	)
	if err != nil {
		return catalog.Park{}, err
	}
	p.Kind = catalog.ParseKind(kind)
	if p.Kind == catalog.KindIndoor {
		p.Indoor = &catalog.IndoorDetails{}
	}
	return p, nil
}

var _ catalog.Source = (*PostgresSource)(nil)
