package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleetradar/internal/cache"
	"fleetradar/internal/db"
	"fleetradar/internal/domain"
	"fleetradar/internal/migrate"
	"fleetradar/internal/repo"
	"fleetradar/internal/stage"
)

func newTestStore(t *testing.T) (ProcessStore, *miniredis.Miniredis) {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(repo.Repo{DB: conn}, c), srv
}

func sampleProcess(id string) domain.Process {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	windows := stage.SeedWindows()
	w := windows[domain.StageReceive]
	w.StartTime = &start
	windows[domain.StageReceive] = w
	return domain.Process{
		ID:           id,
		Title:        "Maintenance - preventive",
		Type:         "maintenance",
		VehicleID:    "V-9",
		CurrentStage: domain.StageReceive,
		Status:       domain.StatusPending,
		Stages:       windows,
		CreatedAt:    start,
	}
}

func TestGetMissLoadsFromPersistence(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()
	p := sampleProcess("p1")
	if err := s.Repo.SaveProcess(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "p1" || got.CurrentStage != domain.StageReceive {
		t.Fatalf("unexpected process %+v", got)
	}
	if !srv.Exists(Key("p1")) {
		t.Fatalf("miss should repopulate the cache")
	}
}

func TestCacheHitMatchesMiss(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Repo.SaveProcess(ctx, sampleProcess("p1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	miss, err := s.Get(ctx, "p1") // populates cache
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	hit, err := s.Get(ctx, "p1") // served from cache
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !reflect.DeepEqual(miss, hit) {
		t.Fatalf("hit and miss must be observably identical:\nmiss %+v\nhit  %+v", miss, hit)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveWritesThroughAndRefreshes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := sampleProcess("p1")
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	p.CurrentStage = domain.StageIdentify
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("save update: %v", err)
	}
	cached, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cached.CurrentStage != domain.StageIdentify {
		t.Fatalf("cache should hold the refreshed copy, got stage %s", cached.CurrentStage)
	}
	persisted, err := s.Repo.GetProcess(ctx, "p1")
	if err != nil {
		t.Fatalf("persisted get: %v", err)
	}
	if persisted.CurrentStage != domain.StageIdentify {
		t.Fatalf("persistence should hold the update, got stage %s", persisted.CurrentStage)
	}
}

func TestCacheOutageDegradesToPersistence(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()
	if err := s.Repo.SaveProcess(ctx, sampleProcess("p1")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv.Close()

	got, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get with dead cache: %v", err)
	}
	if got.ID != "p1" {
		t.Fatalf("unexpected process %+v", got)
	}
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("save with dead cache: %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleProcess("p1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !srv.Exists(Key("p1")) {
		t.Fatalf("expected cached entry")
	}
	s.Invalidate(ctx, "p1")
	if srv.Exists(Key("p1")) {
		t.Fatalf("expected entry dropped")
	}
}
