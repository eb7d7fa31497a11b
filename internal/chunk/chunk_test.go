package chunk

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitRoundTrip(t *testing.T) {
	payloads := []string{
		"",
		"a",
		"abcdef",
		strings.Repeat("x", 999),
		strings.Repeat("QUJD", 5000),
	}
	sizes := []int{1, 2, 7, 100, 32000}

	for _, payload := range payloads {
		for _, size := range sizes {
			fragments, err := Split(payload, size)
			if err != nil {
				t.Fatalf("Split(len=%d, %d) error = %v", len(payload), size, err)
			}
			got, err := Join(fragments)
			if err != nil {
				t.Fatalf("Join after Split(len=%d, %d) error = %v", len(payload), size, err)
			}
			if got != payload {
				t.Fatalf("round trip mismatch for len=%d maxSize=%d", len(payload), size)
			}
		}
	}
}

func TestSplitChunkCount(t *testing.T) {
	cases := []struct {
		payloadLen int
		maxSize    int
		want       int
	}{
		{0, 32000, 1},
		{1, 32000, 1},
		{32000, 32000, 1},
		{32001, 32000, 2},
		{70000, 32000, 3},
		{10, 3, 4},
	}
	for _, tc := range cases {
		fragments, err := Split(strings.Repeat("a", tc.payloadLen), tc.maxSize)
		if err != nil {
			t.Fatalf("Split(len=%d, %d) error = %v", tc.payloadLen, tc.maxSize, err)
		}
		if len(fragments) != tc.want {
			t.Fatalf("Split(len=%d, %d) fragments = %d, want %d", tc.payloadLen, tc.maxSize, len(fragments), tc.want)
		}
		for i, f := range fragments {
			if f.TotalChunks != tc.want {
				t.Fatalf("fragment %d TotalChunks = %d, want %d", i, f.TotalChunks, tc.want)
			}
		}
	}
}

func TestSplitLargeDeltaScenario(t *testing.T) {
	fragments, err := Split(strings.Repeat("A", 70000), 32000)
	if err != nil {
		t.Fatalf("Split error = %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("fragments = %d, want 3", len(fragments))
	}
	wantSizes := []int{32000, 32000, 6000}
	for i, f := range fragments {
		if len(f.Data) != wantSizes[i] {
			t.Fatalf("fragment %d size = %d, want %d", i, len(f.Data), wantSizes[i])
		}
		if f.ChunkIndex != i {
			t.Fatalf("fragment %d ChunkIndex = %d", i, f.ChunkIndex)
		}
	}
	if fragments[0].IsLast || fragments[1].IsLast || !fragments[2].IsLast {
		t.Fatalf("IsLast flags wrong: %v %v %v", fragments[0].IsLast, fragments[1].IsLast, fragments[2].IsLast)
	}
}

func TestSplitExactlyOneLastFlag(t *testing.T) {
	fragments, err := Split(strings.Repeat("z", 12345), 1000)
	if err != nil {
		t.Fatalf("Split error = %v", err)
	}
	lastCount := 0
	for _, f := range fragments {
		if f.IsLast {
			lastCount++
			if f.ChunkIndex != f.TotalChunks-1 {
				t.Fatalf("last fragment at index %d, total %d", f.ChunkIndex, f.TotalChunks)
			}
		}
	}
	if lastCount != 1 {
		t.Fatalf("last flag count = %d, want 1", lastCount)
	}
}

func TestSplitEmptyPayload(t *testing.T) {
	fragments, err := Split("", 32000)
	if err != nil {
		t.Fatalf("Split error = %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("fragments = %d, want 1", len(fragments))
	}
	f := fragments[0]
	if f.Data != "" || f.ChunkIndex != 0 || f.TotalChunks != 1 || !f.IsLast {
		t.Fatalf("unexpected empty-payload fragment: %+v", f)
	}
}

func TestSplitRejectsNonPositiveMaxSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := Split("abc", size); !errors.Is(err, ErrInvalidMaxSize) {
			t.Fatalf("Split(maxSize=%d) error = %v, want ErrInvalidMaxSize", size, err)
		}
	}
}

func TestJoinRejectsGaps(t *testing.T) {
	fragments, err := Split("abcdefgh", 3)
	if err != nil {
		t.Fatalf("Split error = %v", err)
	}
	truncated := fragments[:len(fragments)-1]
	if _, err := Join(truncated); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("Join(truncated) error = %v, want ErrBadSequence", err)
	}

	swapped := make([]Fragment, len(fragments))
	copy(swapped, fragments)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if _, err := Join(swapped); !errors.Is(err, ErrBadSequence) {
		t.Fatalf("Join(swapped) error = %v, want ErrBadSequence", err)
	}
}

func BenchmarkSplit70K(b *testing.B) {
	payload := strings.Repeat("A", 70000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fragments, err := Split(payload, 32000)
		if err != nil {
			b.Fatalf("Split error = %v", err)
		}
		if len(fragments) != 3 {
			b.Fatalf("fragments = %d", len(fragments))
		}
	}
}
