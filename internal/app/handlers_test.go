package app

import (
	"context"
	"reflect"
	"testing"

	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

func TestComputeResult(t *testing.T) {
	t.Parallel()
	h := &voteHandler{log: logx.Nop()}
	e := storage.Entity{Kind: storage.KindVote, ID: "v1", Subject: "rule change"}

	cases := []struct {
		name   string
		tally  storage.Tally
		winner string
	}{
		{
			name:   "plurality wins",
			tally:  storage.Tally{"yes": {"a", "b", "c"}, "no": {"d"}},
			winner: "yes",
		},
		{
			name:   "tie goes to first option",
			tally:  storage.Tally{"no": {"a"}, "yes": {"b"}},
			winner: "no",
		},
		{
			name:   "no ballots",
			tally:  storage.Tally{},
			winner: "",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := h.ComputeResult(context.Background(), e, tc.tally)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if res.Winner != tc.winner {
				t.Fatalf("winner = %q, want %q", res.Winner, tc.winner)
			}
			if res.Summary == "" {
				t.Fatal("summary empty")
			}
		})
	}
}

func TestTallyLines(t *testing.T) {
	t.Parallel()
	got := tallyLines(storage.Tally{"keep": {"a", "b"}, "ban": {"c"}})
	want := []string{"  ban: 1", "  keep: 2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
}

func TestSubjectLabel(t *testing.T) {
	t.Parallel()
	if got := subjectLabel(storage.Entity{ID: "x1", Subject: " user "}); got != "user" {
		t.Fatalf("subject = %q", got)
	}
	if got := subjectLabel(storage.Entity{ID: "x1"}); got != "x1" {
		t.Fatalf("fallback = %q", got)
	}
}
