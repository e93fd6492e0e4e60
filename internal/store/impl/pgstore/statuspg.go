package pgstore

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
)

// StatusStore persists device status transitions through a small worker so
// the registry never blocks on the database while holding its lock.
type StatusStore struct {
	db  *pgxpool.Pool
	log log.Logger
	ch  chan model.Device
}

func NewStatusStore(db *pgxpool.Pool) *StatusStore {
	st := &StatusStore{db: db}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "status_store").Value()
	st.ch = make(chan model.Device, 512)
	return st
}

func (st *StatusStore) Run() {
	go st.handle()
}

func (st *StatusStore) UpdateStatus(d *model.Device) {
	select {
	case st.ch <- *d:
	default:
		st.log.Warn().Uint64("device_id", d.ID).Msg("status update dropped, worker backlog full")
	}
}

func (st *StatusStore) handle() {
	for d := range st.ch {
		_, err := st.db.Exec(context.Background(),
			`UPDATE device SET status = $1, last_update = $2 WHERE id = $3`,
			d.Status, d.LastUpdate, d.ID)
		if err != nil {
			st.log.Error().Err(err).Uint64("device_id", d.ID).Msg("error persisting device status")
		}
	}
}
