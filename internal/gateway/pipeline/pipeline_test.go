package pipeline

import (
	"math"
	"testing"
	"time"

	"nuha.dev/gpsgate/internal/model"
)

func fix(deviceID uint64, lat, lon float64, at time.Time) *model.Position {
	p := model.NewPosition("test")
	p.DeviceID = deviceID
	p.Latitude = lat
	p.Longitude = lon
	p.Valid = true
	p.FixTime = at
	return p
}

func TestChainStopsOnDrop(t *testing.T) {
	var reached bool
	chain := NewChain(
		StageFunc{Tag: "drop", Fn: func(p *model.Position) *model.Position { return nil }},
		StageFunc{Tag: "after", Fn: func(p *model.Position) *model.Position {
			reached = true
			return p
		}},
	)
	chain.Feed(fix(1, 0, 0, time.Now()))
	if reached {
		t.Fatal("stage after a drop must not run")
	}
}

func TestFilterDropsDuplicates(t *testing.T) {
	f := NewFilterStage(false, 0)
	at := time.Now()
	if f.Process(fix(1, 0, 0, at)) == nil {
		t.Fatal("first fix dropped")
	}
	if f.Process(fix(1, 0, 0, at)) != nil {
		t.Fatal("duplicate fix time not dropped")
	}
	if f.Process(fix(1, 0, 0, at.Add(time.Second))) == nil {
		t.Fatal("newer fix dropped")
	}
}

func TestFilterMinPeriod(t *testing.T) {
	f := NewFilterStage(false, time.Minute)
	at := time.Now()
	if f.Process(fix(1, 0, 0, at)) == nil {
		t.Fatal("first fix dropped")
	}
	if f.Process(fix(1, 0, 0, at.Add(10*time.Second))) != nil {
		t.Fatal("fix within min period not dropped")
	}
	// another device is unaffected
	if f.Process(fix(2, 0, 0, at.Add(10*time.Second))) == nil {
		t.Fatal("other device throttled")
	}
	if f.Process(fix(1, 0, 0, at.Add(2*time.Minute))) == nil {
		t.Fatal("fix past min period dropped")
	}
}

func TestFilterSkipInvalid(t *testing.T) {
	f := NewFilterStage(true, 0)
	p := fix(1, 0, 0, time.Now())
	p.Valid = false
	if f.Process(p) != nil {
		t.Fatal("invalid fix not dropped")
	}
	p.Outdated = true
	if f.Process(p) == nil {
		t.Fatal("outdated keep-alive must bypass the validity filter")
	}
}

func TestHemisphereForcesSign(t *testing.T) {
	h := &HemisphereStage{Latitude: -1, Longitude: 1}
	p := fix(1, 22.5, -113.9, time.Now())
	h.Process(p)
	if p.Latitude != -22.5 || p.Longitude != 113.9 {
		t.Fatalf("got %v,%v", p.Latitude, p.Longitude)
	}
}

func TestDistanceAccumulates(t *testing.T) {
	d := NewDistanceStage()
	at := time.Now()

	p1 := fix(1, 0, 0, at)
	d.Process(p1)
	if p1.Attributes[model.KeyDistance] != 0.0 {
		t.Fatalf("first distance = %v", p1.Attributes[model.KeyDistance])
	}

	// one degree of longitude at the equator is about 111.2 km
	p2 := fix(1, 0, 1, at.Add(time.Minute))
	d.Process(p2)
	dist := p2.Attributes[model.KeyDistance].(float64)
	if math.Abs(dist-111195) > 100 {
		t.Fatalf("distance = %v", dist)
	}
	total := p2.Attributes[model.KeyTotalDistance].(float64)
	if total != dist {
		t.Fatalf("total = %v want %v", total, dist)
	}

	// invalid fix carries the total forward without adding to it
	p3 := fix(1, 0, 5, at.Add(2*time.Minute))
	p3.Valid = false
	d.Process(p3)
	if p3.Attributes[model.KeyDistance] != 0.0 {
		t.Fatalf("invalid fix distance = %v", p3.Attributes[model.KeyDistance])
	}
	if p3.Attributes[model.KeyTotalDistance].(float64) != total {
		t.Fatalf("invalid fix total = %v", p3.Attributes[model.KeyTotalDistance])
	}

	p4 := fix(1, 0, 2, at.Add(3*time.Minute))
	d.Process(p4)
	if p4.Attributes[model.KeyTotalDistance].(float64) <= total {
		t.Fatal("total did not grow after the next valid fix")
	}
}
