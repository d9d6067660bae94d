package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"intelligence-substrate/core/internal/db"
	"intelligence-substrate/core/internal/db/migrate"
	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

type fakeRepo struct {
	mu    sync.Mutex
	saved [][]domain.TelemetryEvent
	err   error
}

func (f *fakeRepo) SaveBatch(_ context.Context, events []domain.TelemetryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, events)
	return nil
}

func (f *fakeRepo) ListBySession(context.Context, string, int) ([]domain.TelemetryEvent, error) {
	return nil, nil
}

func (f *fakeRepo) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func events(session string, n int) []domain.TelemetryEvent {
	out := make([]domain.TelemetryEvent, n)
	for i := range out {
		out[i] = domain.TelemetryEvent{
			AppID: "notes", EventType: domain.EventGenerate, Timestamp: int64(1000 + i), SessionID: session,
			Meta: map[string]any{"i": float64(i)},
		}
	}
	return out
}

func TestSink_SendAndBeacon(t *testing.T) {
	repo := &fakeRepo{}
	s := NewSink(repo, nil)
	tok := "secret"
	if err := s.Send(context.Background(), domain.Batch{Token: &tok, Events: events("s", 2)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !s.Beacon(domain.Batch{Events: events("s", 1)}) {
		t.Fatal("Beacon returned false")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := telemetry.DrainAsync(ctx); err != nil {
		t.Fatalf("DrainAsync: %v", err)
	}
	if got := repo.batches(); got != 2 {
		t.Errorf("saved %d batches, want 2", got)
	}
}

func TestSink_PropagatesError(t *testing.T) {
	want := errors.New("db down")
	s := NewSink(&fakeRepo{err: want}, nil)
	if err := s.Send(context.Background(), domain.Batch{Events: events("s", 1)}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestPostgresRepository_RoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	if err := migrate.Run(dsn, migrate.Up); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	r := NewPostgresRepository(conn)
	session := uuid.NewString()
	want := events(session, 3)
	want[1].UID = "u-1"
	want[2].Meta = nil
	if err := r.SaveBatch(ctx, want); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	got, err := r.ListBySession(ctx, session, 10)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}
