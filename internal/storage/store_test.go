package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "modbot/pkg/logx"
)

// backends returns fresh store instances to run each case against.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := Entity{
				Kind:     KindRestriction,
				ID:       "r1",
				Status:   StatusActive,
				ExpireAt: time.Now().Add(time.Hour).Truncate(time.Second),
				Subject:  "user-42",
				Meta:     `{"reason":"spam"}`,
			}
			if err := s.Put(ctx, in); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := s.GetByID(ctx, KindRestriction, "r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Subject != in.Subject || got.Status != in.Status || !got.ExpireAt.Equal(in.ExpireAt) {
				t.Fatalf("got %+v, want fields of %+v", got, in)
			}
			if got.Meta != in.Meta {
				t.Fatalf("meta = %q, want %q", got.Meta, in.Meta)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Fatal("timestamps not set on put")
			}

			if _, err := s.GetByID(ctx, KindRestriction, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing entity err = %v, want ErrNotFound", err)
			}
			// Kinds are separate namespaces.
			if _, err := s.GetByID(ctx, KindVote, "r1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cross-kind lookup err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, Entity{Kind: KindDecision, ID: "d1", Status: StatusPending}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := s.SetStatus(ctx, KindDecision, "d1", StatusResolved); err != nil {
				t.Fatalf("set status: %v", err)
			}
			got, err := s.GetByID(ctx, KindDecision, "d1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusResolved {
				t.Fatalf("status = %s, want %s", got.Status, StatusResolved)
			}
			if err := s.SetStatus(ctx, KindDecision, "ghost", StatusResolved); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing entity err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListNonTerminal(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			puts := []Entity{
				{Kind: KindVote, ID: "b", Status: StatusCollecting},
				{Kind: KindVote, ID: "a", Status: StatusRevealed},
				{Kind: KindVote, ID: "c", Status: StatusFinalized}, // terminal
				{Kind: KindVote, ID: "d", Status: StatusCancelled}, // terminal
				{Kind: KindRestriction, ID: "r", Status: StatusActive},
			}
			for _, e := range puts {
				if err := s.Put(ctx, e); err != nil {
					t.Fatalf("put %s: %v", e.ID, err)
				}
			}

			got, err := s.ListNonTerminal(ctx, KindVote)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if !reflect.DeepEqual(ids, []string{"a", "b"}) {
				t.Fatalf("ids = %v, want [a b]", ids)
			}
		})
	}
}

func TestBallotsAndTally(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ballots := []struct{ voter, option string }{
				{"carol", "yes"},
				{"alice", "yes"},
				{"bob", "no"},
			}
			for _, b := range ballots {
				if err := s.SetBallot(ctx, "v1", b.voter, b.option); err != nil {
					t.Fatalf("ballot %s: %v", b.voter, err)
				}
			}

			tally, err := s.GetTally(ctx, "v1")
			if err != nil {
				t.Fatalf("tally: %v", err)
			}
			if !reflect.DeepEqual(tally["yes"], []string{"alice", "carol"}) {
				t.Fatalf("yes voters = %v, want sorted [alice carol]", tally["yes"])
			}
			if !reflect.DeepEqual(tally["no"], []string{"bob"}) {
				t.Fatalf("no voters = %v", tally["no"])
			}
			if tally.Count() != 3 {
				t.Fatalf("count = %d, want 3", tally.Count())
			}

			// Re-vote replaces, never duplicates.
			if err := s.SetBallot(ctx, "v1", "alice", "no"); err != nil {
				t.Fatalf("re-vote: %v", err)
			}
			tally, err = s.GetTally(ctx, "v1")
			if err != nil {
				t.Fatalf("tally after re-vote: %v", err)
			}
			if tally.Count() != 3 {
				t.Fatalf("count = %d, want 3 after re-vote", tally.Count())
			}
			if !reflect.DeepEqual(tally["no"], []string{"alice", "bob"}) {
				t.Fatalf("no voters = %v, want [alice bob]", tally["no"])
			}

			// Tallies are per vote.
			other, err := s.GetTally(ctx, "v2")
			if err != nil {
				t.Fatalf("empty tally: %v", err)
			}
			if other.Count() != 0 {
				t.Fatalf("v2 count = %d, want 0", other.Count())
			}
		})
	}
}

func TestDedupKeys(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := time.Now().Add(time.Minute).Truncate(time.Second)
			if err := s.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			got, ok, err := s.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("get dedup = %v, %v, %v", got, ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}

			// Upsert extends the window.
			later := until.Add(time.Hour)
			if err := s.PutDedup(ctx, "k1", later); err != nil {
				t.Fatalf("upsert dedup: %v", err)
			}
			got, ok, err = s.GetDedup(ctx, "k1")
			if err != nil || !ok || !got.Equal(later) {
				t.Fatalf("after upsert = %v, %v, %v; want %v", got, ok, err, later)
			}

			if _, ok, err := s.GetDedup(ctx, "missing"); err != nil || ok {
				t.Fatalf("missing key = %v, %v; want not found", ok, err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := []Status{StatusFinalized, StatusExpired, StatusLifted, StatusResolved, StatusCancelled}
	open := []Status{StatusActive, StatusPending, StatusCollecting, StatusRevealed}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", st)
		}
	}
	for _, st := range open {
		if st.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", st)
		}
	}
}
