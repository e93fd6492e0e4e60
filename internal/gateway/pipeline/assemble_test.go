package pipeline

import (
	"testing"
	"time"

	"nuha.dev/gpsgate/internal/config"
	"nuha.dev/gpsgate/internal/gateway/registry"
)

func stageNames(c *Chain) []string {
	names := make([]string, 0, len(c.Stages()))
	for _, s := range c.Stages() {
		names = append(names, s.Name())
	}
	return names
}

func TestAssembleDefault(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(nil, nil, registry.Config{})
	chain := Assemble(cfg, "gt06", Deps{Registry: reg})

	// defaults: events on with the motion handler, everything else off
	want := []string{"sequence", "commandResult", "motion", "registry"}
	got := stageNames(chain)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

func TestAssembleOrdering(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.FilterEnable = true
	cfg.DistanceEnable = true
	cfg.EventEnable = false
	reg := registry.New(nil, nil, registry.Config{})
	chain := Assemble(cfg, "gt06", Deps{Registry: reg})

	want := []string{"sequence", "filter", "distance", "registry"}
	got := stageNames(chain)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

func TestAssembleSkipsMissingDeps(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.GeocoderEnable = true //no geocoder in deps
	cfg.EventEnable = false
	chain := Assemble(cfg, "gt06", Deps{})

	want := []string{"sequence"}
	got := stageNames(chain)
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestAssembleSequenceAssignsIDs(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.EventEnable = false
	chain := Assemble(cfg, "gt06", Deps{})

	p1 := fix(1, 0, 0, time.Now())
	p2 := fix(1, 0, 0, p1.FixTime)
	chain.Feed(p1)
	chain.Feed(p2)
	if p1.ID == 0 || p2.ID <= p1.ID {
		t.Fatalf("ids not monotonic: %d, %d", p1.ID, p2.ID)
	}
}
