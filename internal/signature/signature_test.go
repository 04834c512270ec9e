package signature

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const goStack = `goroutine 1 [running]:
main.doWork(0x2, 0x4)
	/app/main.go:12 +0x45
main.main()
	/app/main.go:30 +0x1a`

const pyStack = `Traceback (most recent call last):
  File "/app/test_login.py", line 42, in test_login
    assert resp.status == expected
AssertionError`

func TestNormalizeMessage(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"numbers", "connection timeout after 30 seconds", "connection timeout after <n> seconds"},
		{"hex address", "panic at 0xDEADBEEF", "panic at <addr>"},
		{"uuid", "session 123e4567-e89b-12d3-a456-426614174000 expired", "session <id> expired"},
		{"path", "cannot read /var/log/app/output.log", "cannot read <path>"},
		{"quoted", `unknown flag "verbosity"`, "unknown flag <value>"},
		{"whitespace", "  too   many\t spaces  ", "too many spaces"},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeMessage(tc.in)
			if got != tc.want {
				t.Errorf("NormalizeMessage(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestReduceStack_Go(t *testing.T) {
	frames := ReduceStack(goStack)
	want := []string{"main.doWork", "main.main"}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceStack_Python(t *testing.T) {
	frames := ReduceStack(pyStack)
	want := []string{"test_login"}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceStack_AtStyle(t *testing.T) {
	stack := `java.lang.NullPointerException
	at com.example.Foo.bar(Foo.java:10)
	at com.example.Main.run(Main.java:33)`
	frames := ReduceStack(stack)
	want := []string{"com.example.Foo.bar", "com.example.Main.run"}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceStack_Empty(t *testing.T) {
	if frames := ReduceStack(""); frames != nil {
		t.Errorf("expected nil frames for empty stack, got %v", frames)
	}
}

func TestCompute_VariableTokensDoNotChangeHash(t *testing.T) {
	a := Compute("connection timeout after 30 seconds", goStack)
	b := Compute("connection timeout after 99 seconds", goStack)

	if a.Hash != b.Hash {
		t.Errorf("same failure with different numbers hashed differently:\n%s\n%s", a.Hash, b.Hash)
	}
	if a.IsUnclassified() {
		t.Error("non-empty failure must not be unclassified")
	}
}

func TestCompute_DistinctFailuresDiffer(t *testing.T) {
	a := Compute("connection timeout after 30 seconds", goStack)
	b := Compute("nil pointer dereference", pyStack)
	if a.Hash == b.Hash {
		t.Error("distinct failures must not collide")
	}
}

func TestCompute_EmptyIsUnclassified(t *testing.T) {
	sig := Compute("", "")
	if !sig.IsUnclassified() {
		t.Errorf("expected unclassified signature, got hash %s", sig.Hash)
	}
	if sig.Hash != UnclassifiedHash {
		t.Errorf("expected reserved hash, got %s", sig.Hash)
	}

	// Whitespace-only input collapses into the same bucket.
	ws := Compute("   \n\t", "  ")
	if ws.Hash != UnclassifiedHash {
		t.Errorf("whitespace-only input must be unclassified, got %s", ws.Hash)
	}
}

func TestComputeFromParts_FramesParticipate(t *testing.T) {
	a := ComputeFromParts("surviving comparison mutant", []string{"internal/cart/total.go"})
	b := ComputeFromParts("surviving comparison mutant", []string{"internal/billing/invoice.go"})
	if a.Hash == b.Hash {
		t.Error("identical templates with different frames must not collide")
	}
	if diff := cmp.Diff([]string{"internal/cart/total.go"}, a.Frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}

	empty := ComputeFromParts("", nil)
	if !empty.IsUnclassified() {
		t.Errorf("empty parts must be unclassified, got hash %s", empty.Hash)
	}
}

func TestSimilarity_Identical(t *testing.T) {
	a := Compute("connection timeout after 30 seconds", goStack)
	if got := Similarity(a, a, 0.6); got != 1.0 {
		t.Errorf("self-similarity = %v, want 1.0", got)
	}
}

func TestSimilarity_Range(t *testing.T) {
	sigs := []Signature{
		Compute("connection timeout after 30 seconds", goStack),
		Compute("connection refused", goStack),
		Compute("nil pointer dereference", pyStack),
		Compute("assertion failed: expected 2 got 3", ""),
		Compute("disk full", ""),
	}
	for i, a := range sigs {
		for j, b := range sigs {
			got := Similarity(a, b, 0.6)
			if got < 0 || got > 1 {
				t.Errorf("Similarity(sigs[%d], sigs[%d]) = %v, out of [0,1]", i, j, got)
			}
			back := Similarity(b, a, 0.6)
			if got != back {
				t.Errorf("Similarity not symmetric for (%d,%d): %v vs %v", i, j, got, back)
			}
		}
	}
}

func TestSimilarity_UnclassifiedNeverMatches(t *testing.T) {
	u := Compute("", "")
	a := Compute("connection timeout after 30 seconds", goStack)
	if got := Similarity(u, a, 0.6); got != 0 {
		t.Errorf("unclassified similarity = %v, want 0", got)
	}
	if got := Similarity(u, u, 0.6); got != 0 {
		t.Errorf("unclassified self-similarity = %v, want 0", got)
	}
}

func TestSimilarity_SharedFramesScoreHigher(t *testing.T) {
	base := Compute("assertion failed in checkout flow", goStack)
	near := Compute("assertion failed in checkout flow retried", goStack)
	far := Compute("database migration missing column", pyStack)

	nearScore := Similarity(base, near, 0.6)
	farScore := Similarity(base, far, 0.6)
	if nearScore <= farScore {
		t.Errorf("near score %v should exceed far score %v", nearScore, farScore)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b []string
		want int
	}{
		{[]string{"a", "b", "c"}, []string{"a", "b", "c"}, 0},
		{[]string{"a", "b", "c"}, []string{"a", "x", "c"}, 1},
		{[]string{"a"}, []string{"a", "b", "c"}, 2},
		{[]string{"x", "y"}, []string{"a", "b", "c"}, 3},
	}
	for _, tc := range cases {
		if got := editDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("editDistance(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Timeout waiting for <value> (attempt <n>)")
	want := []string{"timeout", "waiting", "for", "<value>", "attempt", "<n>"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}
