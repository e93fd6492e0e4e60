package h02

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/directory"
	"nuha.dev/gpsgate/internal/gateway/protocol"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

type staticFetcher struct {
	snap directory.Snapshot
}

func (f *staticFetcher) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	return &f.snap, nil
}

type sink struct {
	bytes.Buffer
}

func (s *sink) Close() error { return nil }

func testSession(t *testing.T) *protocol.Session {
	t.Helper()
	p, ok := protocol.Lookup("h02")
	if !ok {
		t.Fatal("h02 not registered")
	}
	dir := directory.New(&staticFetcher{snap: directory.Snapshot{
		Devices: []*model.Device{{ID: 3, Name: "bike-3", UniqueID: "1451234567"}},
	}}, directory.Config{})
	reg := registry.New(nil, nil, registry.Config{})
	return protocol.NewSession(p, &sink{}, "10.0.0.2:999", dir, reg, log.DefaultLogger)
}

func TestDecodeV1(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	msg := "*HQ,1451234567,V1,121300,A,2234.5678,N,11354.1234,E,010.00,120,010816,FFFFFBFF"
	positions, err := d.Decode(sess, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions", len(positions))
	}
	p := positions[0]
	if !sess.Identified() || p.DeviceID != 3 {
		t.Fatalf("not identified, device=%d", p.DeviceID)
	}
	if !p.Valid {
		t.Fatal("fix flagged invalid")
	}
	if math.Abs(p.Latitude-(22+34.5678/60)) > 1e-9 {
		t.Fatalf("latitude = %v", p.Latitude)
	}
	if math.Abs(p.Longitude-(113+54.1234/60)) > 1e-9 {
		t.Fatalf("longitude = %v", p.Longitude)
	}
	if p.Speed != 10 || p.Course != 120 {
		t.Fatalf("speed=%v course=%v", p.Speed, p.Course)
	}
	want := time.Date(2016, 8, 1, 12, 13, 0, 0, time.UTC)
	if !p.FixTime.Equal(want) {
		t.Fatalf("fix time = %v", p.FixTime)
	}
	// 0xFFFFFBFF has bit 10 clear: ignition off, no alarm bits tripped
	if p.Attributes[model.KeyIgnition] != false {
		t.Fatalf("ignition = %v", p.Attributes[model.KeyIgnition])
	}
	if _, ok := p.Attributes[model.KeyAlarm]; ok {
		t.Fatalf("unexpected alarm %v", p.Attributes[model.KeyAlarm])
	}
}

func TestDecodeSouthWest(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	msg := "*HQ,1451234567,V1,121300,A,2234.5678,S,11354.1234,W,000.00,000,010816,FFFFFFFF"
	positions, err := d.Decode(sess, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	p := positions[0]
	if p.Latitude >= 0 || p.Longitude >= 0 {
		t.Fatalf("got %v,%v want negative hemisphere", p.Latitude, p.Longitude)
	}
}

func TestDecodeSOSAlarm(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	// bit 1 clear, bit 0 set
	msg := "*HQ,1451234567,V1,121300,A,2234.5678,N,11354.1234,E,000.00,000,010816,FFFFFFFD"
	positions, err := d.Decode(sess, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if positions[0].Attributes[model.KeyAlarm] != model.AlarmSOS {
		t.Fatalf("alarm = %v", positions[0].Attributes[model.KeyAlarm])
	}
}

func TestDecodeUnknownDevice(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	msg := "*HQ,9999999999,V1,121300,A,2234.5678,N,11354.1234,E,000.00,000,010816,FFFFFFFF"
	positions, err := d.Decode(sess, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 || sess.Identified() {
		t.Fatal("unknown device must not produce positions")
	}
}

func TestDecodeHeartbeatVariant(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	// unknown message type after a valid header still identifies the device
	positions, err := d.Decode(sess, []byte("*HQ,1451234567,XT"))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatalf("got %d positions", len(positions))
	}
	if !sess.Identified() {
		t.Fatal("heartbeat should identify the session")
	}
}

func TestDecodeGarbage(t *testing.T) {
	sess := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, []byte("garbage")); err == nil {
		t.Fatal("non-HQ payload must fail")
	}
}
