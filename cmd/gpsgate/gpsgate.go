package main

import (
	"context"
	"flag"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"github.com/rs/zerolog"

	"nuha.dev/gpsgate/internal/api"
	"nuha.dev/gpsgate/internal/config"
	"nuha.dev/gpsgate/internal/directory"
	"nuha.dev/gpsgate/internal/event"
	"nuha.dev/gpsgate/internal/forward"
	"nuha.dev/gpsgate/internal/gateway/pipeline"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/gateway/server"
	"nuha.dev/gpsgate/internal/geocode"
	"nuha.dev/gpsgate/internal/location"
	"nuha.dev/gpsgate/internal/store"
	"nuha.dev/gpsgate/internal/store/impl/logstore"
	"nuha.dev/gpsgate/internal/store/impl/pgstore"
	"nuha.dev/gpsgate/internal/webstream"

	_ "nuha.dev/gpsgate/internal/protocols/gt06"
	_ "nuha.dev/gpsgate/internal/protocols/h02"
)

// emptyFetcher backs the directory when no database is configured; every
// lookup misses, useful only for protocol debugging with the log store.
type emptyFetcher struct{}

func (emptyFetcher) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	return &directory.Snapshot{}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err.Error())
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var locationStore store.LocationStore
	var statusStore registry.StatusStore
	var fetcher directory.Fetcher
	if cfg.DBURL != "" {
		pool, err := pgxpool.Connect(context.Background(), cfg.DBURL)
		if err != nil {
			panic(err.Error())
		}
		pst := pgstore.NewStore(pool, "position", &pgstore.StoreConfig{
			BufSize:     128,
			TickerDur:   time.Second,
			MaxAgeFlush: 5 * time.Second,
		})
		pst.Run()
		sst := pgstore.NewStatusStore(pool)
		sst.Run()
		locationStore, statusStore = pst, sst
		fetcher = directory.NewPgFetcher(pool)
	} else {
		lst := logstore.NewStore()
		locationStore, statusStore = lst, lst
		fetcher = emptyFetcher{}
	}

	dir := directory.New(fetcher, directory.Config{
		RefreshDelay: cfg.DirectoryRefresh,
		ForceDelay:   cfg.DirectoryForce,
	})

	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	if err != nil {
		panic(err.Error())
	}

	reg := registry.New(statusStore, dir, registry.Config{DeviceTimeout: cfg.StatusTimeout})
	reg.SetIDGenerator(func() string { return m.Next() })
	reg.Run()

	deps := pipeline.Deps{Registry: reg, Store: locationStore}
	if cfg.ForwardEnable || cfg.ForwardSplunkEnable || cfg.ForwardNatsEnable {
		var idgen bus.Next = m.Next
		hub, err := forward.NewHub(idgen)
		if err != nil {
			panic(err.Error())
		}
		if cfg.ForwardEnable {
			hub.Attach(forward.NewHTTP(cfg.ForwardURL, 10*time.Second))
		}
		if cfg.ForwardSplunkEnable {
			hub.Attach(forward.NewSplunk(cfg.SplunkURL, cfg.SplunkToken, cfg.SplunkSource, 10*time.Second))
		}
		if cfg.ForwardNatsEnable {
			nf, err := forward.NewNats(cfg.NatsURL, cfg.NatsSubject)
			if err != nil {
				panic(err.Error())
			}
			hub.Attach(nf)
		}
		deps.Forward = hub
	}
	if cfg.GeocoderEnable {
		g, err := geocode.New(cfg.GeocoderType)
		if err != nil {
			panic(err.Error())
		}
		deps.Geocoder = g
	}
	if cfg.LocationEnable {
		p, err := location.New(cfg.LocationType, cfg.LocationURL, cfg.LocationKey)
		if err != nil {
			panic(err.Error())
		}
		deps.Location = p
	}
	if cfg.GeofenceHandler {
		deps.Geofence = event.NewStaticGeofences(nil)
	}

	gateway := server.New(cfg, dir, reg, deps)
	gateway.Run()

	ws := webstream.NewWebstream(cfg.WebstreamAddr, reg)
	go ws.Run()

	api.NewApi(cfg.APIAddr, reg).Run()
}
