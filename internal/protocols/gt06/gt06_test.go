package gt06

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/directory"
	"nuha.dev/gpsgate/internal/gateway/protocol"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/util/crc16"
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

func testSession(t *testing.T) (*protocol.Session, *sink, *registry.Registry) {
	t.Helper()
	p, ok := protocol.Lookup("gt06")
	if !ok {
		t.Fatal("gt06 not registered")
	}
	dir := directory.New(&staticFetcher{snap: directory.Snapshot{
		Devices: []*model.Device{{ID: 7, Name: "truck-7", UniqueID: "123456789012345"}},
	}}, directory.Config{})
	reg := registry.New(nil, nil, registry.Config{})
	w := &sink{}
	sess := protocol.NewSession(p, w, "10.0.0.1:1234", dir, reg, log.DefaultLogger)
	return sess, w, reg
}

// buildFrame mirrors the device side framing: 0x78 0x78, length, type,
// payload, serial, crc16/x25, 0x0d 0x0a.
func buildFrame(msgType byte, payload []byte, serial uint16) []byte {
	lf := len(payload) + 10
	frm := make([]byte, lf)
	frm[0] = 0x78
	frm[1] = 0x78
	frm[2] = byte(len(payload) + 5)
	frm[3] = msgType
	copy(frm[4:], payload)
	binary.BigEndian.PutUint16(frm[lf-6:lf-4], serial)
	binary.BigEndian.PutUint16(frm[lf-4:lf-2], crc16.Checksum(crc16.X25, frm[2:lf-4]))
	frm[lf-2] = 0x0d
	frm[lf-1] = 0x0a
	return frm
}

func loginFrame(serial uint16) []byte {
	return buildFrame(msgLogin, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}, serial)
}

func TestLoginKnownDevice(t *testing.T) {
	sess, w, _ := testSession(t)
	d := &Decoder{}
	positions, err := d.Decode(sess, loginFrame(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatalf("login produced %d positions", len(positions))
	}
	if !sess.Identified() || sess.DeviceID() != 7 {
		t.Fatalf("session not identified: id=%d", sess.DeviceID())
	}
	want := buildFrame(msgLogin, nil, 1)
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("login ack = % x, want % x", w.Bytes(), want)
	}
}

func TestLoginUnknownDevice(t *testing.T) {
	sess, w, _ := testSession(t)
	d := &Decoder{}
	frm := buildFrame(msgLogin, []byte{0x09, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99}, 1)
	_, err := d.Decode(sess, frm)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Identified() {
		t.Fatal("unknown imei must not identify the session")
	}
	if w.Len() != 0 {
		t.Fatalf("no ack expected for unknown device, got % x", w.Bytes())
	}
}

func gpsPayload(latRaw, lonRaw uint32, speedKmh byte, flags uint16) []byte {
	d := make([]byte, 26)
	copy(d, []byte{21, 3, 22, 10, 30, 45}) //2021-03-22 10:30:45
	d[6] = 0xcb                            //11 satellites
	binary.BigEndian.PutUint32(d[7:11], latRaw)
	binary.BigEndian.PutUint32(d[11:15], lonRaw)
	d[15] = speedKmh
	binary.BigEndian.PutUint16(d[16:18], flags)
	binary.BigEndian.PutUint16(d[18:20], 510) //mcc
	d[20] = 10                                //mnc
	binary.BigEndian.PutUint16(d[21:23], 4321)
	d[23], d[24], d[25] = 0x01, 0x00, 0x2a //cid 65578
	return d
}

func TestDecodeGPS(t *testing.T) {
	sess, _, _ := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, loginFrame(1)); err != nil {
		t.Fatal(err)
	}

	const latRaw, lonRaw = 11111111, 193333333
	// valid, north, east, course 42
	frm := buildFrame(msgGPS, gpsPayload(latRaw, lonRaw, 60, 0x1400|42), 2)
	positions, err := d.Decode(sess, frm)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions", len(positions))
	}
	p := positions[0]
	if p.DeviceID != 7 || !p.Valid {
		t.Fatalf("DeviceID=%d Valid=%v", p.DeviceID, p.Valid)
	}
	if math.Abs(p.Latitude-float64(latRaw)/1800000) > 1e-9 {
		t.Fatalf("latitude = %v", p.Latitude)
	}
	if math.Abs(p.Longitude-float64(lonRaw)/1800000) > 1e-9 {
		t.Fatalf("longitude = %v", p.Longitude)
	}
	if math.Abs(p.Speed-60/1.852) > 1e-9 {
		t.Fatalf("speed = %v knots", p.Speed)
	}
	if p.Course != 42 {
		t.Fatalf("course = %v", p.Course)
	}
	want := time.Date(2021, 3, 22, 10, 30, 45, 0, time.UTC)
	if !p.FixTime.Equal(want) {
		t.Fatalf("fix time = %v", p.FixTime)
	}
	if p.Attributes[model.KeySatellites] != 11 {
		t.Fatalf("satellites = %v", p.Attributes[model.KeySatellites])
	}
	if p.Attributes[model.KeyMCC] != 510 || p.Attributes[model.KeyMNC] != 10 {
		t.Fatalf("cell attrs = %v/%v", p.Attributes[model.KeyMCC], p.Attributes[model.KeyMNC])
	}
	if p.Attributes[model.KeyLAC] != 4321 || p.Attributes[model.KeyCID] != 0x01002a {
		t.Fatalf("lac/cid = %v/%v", p.Attributes[model.KeyLAC], p.Attributes[model.KeyCID])
	}
}

func TestDecodeGPSHemisphereFlags(t *testing.T) {
	sess, _, _ := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, loginFrame(1)); err != nil {
		t.Fatal(err)
	}
	// south (bit 10 clear) and west (bit 11 set)
	frm := buildFrame(msgGPS, gpsPayload(1800000, 3600000, 0, 0x1800), 2)
	positions, err := d.Decode(sess, frm)
	if err != nil {
		t.Fatal(err)
	}
	p := positions[0]
	if p.Latitude != -1 || p.Longitude != -2 {
		t.Fatalf("got %v,%v want -1,-2", p.Latitude, p.Longitude)
	}
}

func TestHeartbeatAck(t *testing.T) {
	sess, w, _ := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, loginFrame(1)); err != nil {
		t.Fatal(err)
	}
	w.Reset()
	frm := buildFrame(msgStatus, []byte{0x44, 0x04, 0x01, 0x00, 0x01}, 5)
	positions, err := d.Decode(sess, frm)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatalf("heartbeat produced %d positions", len(positions))
	}
	want := buildFrame(msgStatus, nil, 5)
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("heartbeat ack = % x, want % x", w.Bytes(), want)
	}
}

func TestChecksumMismatch(t *testing.T) {
	sess, _, _ := testSession(t)
	d := &Decoder{}
	frm := loginFrame(1)
	frm[len(frm)-3] ^= 0xff
	if _, err := d.Decode(sess, frm); err == nil {
		t.Fatal("corrupted frame must not decode")
	}
}

func TestDecodeAlarm(t *testing.T) {
	sess, w, _ := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, loginFrame(1)); err != nil {
		t.Fatal(err)
	}
	w.Reset()

	gps := gpsPayload(1800000, 1800000, 0, 0x1400)[:18]
	payload := append([]byte{}, gps...)
	payload = append(payload, 8)                                                    //lbs block length
	payload = append(payload, 0x01, 0xfe, 0x0a, 0x10, 0xe1, 0x00, 0x00, 0x2a)       //cell
	payload = append(payload, 0x01, 0x04, 0x04, 0x00, 0x01)                         //status, alarm=sos
	frm := buildFrame(msgGK310Alarm, payload, 9)
	positions, err := d.Decode(sess, frm)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions", len(positions))
	}
	if positions[0].Attributes[model.KeyAlarm] != model.AlarmSOS {
		t.Fatalf("alarm = %v", positions[0].Attributes[model.KeyAlarm])
	}
	want := buildFrame(msgGK310Alarm, nil, 9)
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("alarm ack = % x, want % x", w.Bytes(), want)
	}
}

func TestCommandResponse(t *testing.T) {
	sess, _, reg := testSession(t)
	d := &Decoder{}
	if _, err := d.Decode(sess, loginFrame(1)); err != nil {
		t.Fatal(err)
	}

	// no cached fix yet: nothing to attach the result to
	payload := append([]byte{4, 0, 0, 0, 1}, []byte("DYD=Success!")...)
	positions, err := d.Decode(sess, buildFrame(msgCommandResponse, payload, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatal("result without a cached fix should be dropped")
	}

	last := model.NewPosition("gt06")
	last.DeviceID = 7
	last.Latitude, last.Longitude, last.Valid = 1, 2, true
	reg.UpdatePosition(last)

	positions, err = d.Decode(sess, buildFrame(msgCommandResponse, payload, 4))
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions", len(positions))
	}
	p := positions[0]
	if p.Attributes[model.KeyResult] != "DYD=Success!" {
		t.Fatalf("result = %q", p.Attributes[model.KeyResult])
	}
	if !p.Outdated || p.Latitude != 1 || p.Longitude != 2 {
		t.Fatalf("synthesized fix wrong: outdated=%v %v,%v", p.Outdated, p.Latitude, p.Longitude)
	}
}

func TestEncodeEngineStop(t *testing.T) {
	e := &Encoder{}
	frm, err := e.Encode(&model.Command{Type: model.CmdEngineStop, DeviceID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if frm[0] != 0x78 || frm[1] != 0x78 || frm[3] != msgCommand {
		t.Fatalf("bad envelope % x", frm[:4])
	}
	if !bytes.Contains(frm, []byte("DYD#")) {
		t.Fatalf("content missing from % x", frm)
	}
	want := crc16.Checksum(crc16.X25, frm[2:len(frm)-4])
	got := binary.BigEndian.Uint16(frm[len(frm)-4 : len(frm)-2])
	if got != want {
		t.Fatalf("checksum = %04x want %04x", got, want)
	}
}

func TestEncodeUnsupported(t *testing.T) {
	e := &Encoder{}
	if _, err := e.Encode(&model.Command{Type: model.CmdRebootDevice}); err == nil {
		t.Fatal("reboot is not in the supported set")
	}
}

func TestEncodeConcurrentSerials(t *testing.T) {
	e := &Encoder{}
	const n = 32
	frames := make(chan []byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frm, err := e.Encode(&model.Command{Type: model.CmdEngineStop, DeviceID: 7})
			if err != nil {
				t.Error(err)
				return
			}
			frames <- frm
		}()
	}
	wg.Wait()
	close(frames)
	seen := make(map[uint16]bool)
	for frm := range frames {
		serial := binary.BigEndian.Uint16(frm[len(frm)-6 : len(frm)-4])
		if seen[serial] {
			t.Fatalf("serial %d issued twice", serial)
		}
		seen[serial] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct serials, want %d", len(seen), n)
	}
}
