package pgstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
)

// Store batches positions and bulk-loads them with CopyFrom. Writers fill
// wbuf under wlock; a full or aged buffer is swapped to rbuf and the flusher
// task signalled, so Put never waits on the database.
type Store struct {
	config *StoreConfig
	cond   *sync.Cond
	wlock  *sync.Mutex
	rbuf   buffer
	wbuf   buffer
	dbc    *pgxpool.Conn
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []*model.Position
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]*model.Position, 0, len)}
}

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

func (st *Store) Run() {
	var err error
	st.dbc, err = st.dbp.Acquire(context.Background())
	if err != nil {
		st.log.Error().Err(err).Msg("unable to acquire flusher connection")
		return
	}
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	for t := range ticker.C {
		st.wlock.Lock()
		if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
			st.flush()
		}
		st.wlock.Unlock()
	}
}

func (st *Store) Put(p *model.Position) {
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, p)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.wbuf.t2 = time.Now().UTC()
	st.cond.L.Lock()
	st.rbuf = st.wbuf
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	var err error
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		st.cond.Wait()
		st.log.Debug().Msg("flusher task signalled")
		buf := st.rbuf
		st.cond.L.Unlock()
		t1 := time.Now()
		_, err = st.dbc.CopyFrom(context.Background(),
			pgx.Identifier{st.table},
			[]string{"device_id", "protocol", "server_time", "device_time", "fix_time", "valid", "outdated", "latitude", "longitude", "altitude", "speed", "course", "address", "attributes"},
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				p := buf.buf[i]
				attrs, err := json.Marshal(p.Attributes)
				if err != nil {
					attrs = []byte("{}")
				}
				return []interface{}{p.DeviceID, p.Protocol, p.ServerTime, p.DeviceTime, p.FixTime, p.Valid, p.Outdated, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.Course, p.Address, attrs}, nil
			}))
		if err != nil {
			st.log.Error().Err(err).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}
