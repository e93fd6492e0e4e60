package protocol

import (
	"testing"

	"nuha.dev/gpsgate/internal/model"
)

func TestIdentifyIdempotent(t *testing.T) {
	sess, _, _, _, _ := newTestEnv(t, false)
	if !sess.Identify("abc123") {
		t.Fatal("known id rejected")
	}
	if !sess.Identify("abc123") {
		t.Fatal("repeat identify of the bound id must succeed")
	}
	if sess.DeviceID() != 5 || sess.UniqueID() != "abc123" {
		t.Fatalf("bound identity %d/%q", sess.DeviceID(), sess.UniqueID())
	}
}

func TestIdentifyUnknownLeavesSessionOpen(t *testing.T) {
	sess, _, _, _, _ := newTestEnv(t, false)
	if sess.Identify("nope") {
		t.Fatal("unknown id accepted")
	}
	if sess.Identified() {
		t.Fatal("session must stay unidentified")
	}
	// a later frame with a known id still binds
	if !sess.Identify("abc123") {
		t.Fatal("known id after unknown one rejected")
	}
}

func TestCloseMarksDeviceOffline(t *testing.T) {
	sess, reg, _, _, _ := newTestEnv(t, false)
	sess.Identify("abc123")
	sess.Close()
	dev, ok := reg.Device(5)
	if !ok || dev.Status != model.StatusOffline {
		t.Fatalf("status after close = %q", dev.Status)
	}
}

func TestSynthesizeUsesDeviceTime(t *testing.T) {
	sess, reg, _, _, _ := newTestEnv(t, false)
	sess.Identify("abc123")
	last := model.NewPosition("test")
	last.DeviceID = 5
	reg.UpdatePosition(last)

	p := sess.SynthesizePosition(last.ServerTime)
	if p == nil {
		t.Fatal("expected a synthesized fix")
	}
	if !p.DeviceTime.Equal(last.ServerTime) {
		t.Fatalf("device time = %v, want %v", p.DeviceTime, last.ServerTime)
	}
	if p.ID != 0 {
		t.Fatalf("synthesized fix must start unsequenced, got %d", p.ID)
	}
}
