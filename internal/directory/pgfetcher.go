package directory

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"nuha.dev/gpsgate/internal/model"
)

// PgFetcher loads the directory snapshot from postgres.
type PgFetcher struct {
	db *pgxpool.Pool
}

func NewPgFetcher(db *pgxpool.Pool) *PgFetcher {
	return &PgFetcher{db: db}
}

func (f *PgFetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Permissions: make(map[uint64][]uint64)}

	rows, err := f.db.Query(ctx, `SELECT id, name, unique_id FROM device`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		dev := &model.Device{}
		err := rows.Scan(&dev.ID, &dev.Name, &dev.UniqueID)
		if err != nil {
			return nil, err
		}
		snap.Devices = append(snap.Devices, dev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	prows, err := f.db.Query(ctx, `SELECT device_id, user_id FROM user_device`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var deviceID, userID uint64
		err := prows.Scan(&deviceID, &userID)
		if err != nil {
			return nil, err
		}
		snap.Permissions[deviceID] = append(snap.Permissions[deviceID], userID)
	}
	return snap, prows.Err()
}
