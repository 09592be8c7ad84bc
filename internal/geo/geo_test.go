package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/campus-ride-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestNearbyOrdersByDistanceWithinRadius(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	for _, d := range []models.DriverLocation{
		{DriverID: "far", Loc: models.Coord{Lat: 23.80, Lon: 90.40}},
		{DriverID: "near", Loc: models.Coord{Lat: 23.7773, Lon: 90.4054}},
		{DriverID: "mid", Loc: models.Coord{Lat: 23.7800, Lon: 90.4054}},
	} {
		if err := g.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, err := g.Nearby(ctx, 23.7772, 90.4054, 1000, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected result %+v", got)
	}

	got, _ = g.Nearby(ctx, 23.7772, 90.4054, 0, 1)
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("limit not applied: %+v", got)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.DriverLocation{DriverID: "d1"})
	_ = g.Remove(ctx, "d1")
	if got, _ := g.Nearby(ctx, 0, 0, 0, 10); len(got) != 0 {
		t.Fatalf("expected empty index, got %+v", got)
	}
}
