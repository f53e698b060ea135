package rules

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSourceCachesSnapshot(t *testing.T) {
	calls := 0
	src := NewSource(func(ctx context.Context) ([]Rule, error) {
		calls++
		return []Rule{{ID: "r1", Name: "r1"}}, nil
	}, time.Minute)
	defer src.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		list, err := src.Rules(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(list) != 1 || list[0].ID != "r1" {
			t.Fatalf("unexpected rules %v", list)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load got %d", calls)
	}
}

func TestSourceInvalidateForcesReload(t *testing.T) {
	calls := 0
	src := NewSource(func(ctx context.Context) ([]Rule, error) {
		calls++
		return nil, nil
	}, time.Minute)
	defer src.Stop()

	ctx := context.Background()
	if _, err := src.Rules(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.Invalidate()
	if _, err := src.Rules(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reload after invalidate got %d calls", calls)
	}
}

func TestSourceLoadErrorPropagates(t *testing.T) {
	wantErr := errors.New("db down")
	src := NewSource(func(ctx context.Context) ([]Rule, error) {
		return nil, wantErr
	}, time.Minute)
	defer src.Stop()

	if _, err := src.Rules(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected load error got %v", err)
	}
}
