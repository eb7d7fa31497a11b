package chunk

import (
	"errors"
	"fmt"
)

// Fragment is one bounded-size slice of a larger base64 audio payload.
// Concatenating Data across ChunkIndex 0..TotalChunks-1 reproduces the
// original payload exactly.
type Fragment struct {
	Data        string `json:"data"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	IsLast      bool   `json:"isLast"`
}

var (
	ErrInvalidMaxSize = errors.New("chunk: max size must be positive")
	ErrBadSequence    = errors.New("chunk: fragment sequence is inconsistent")
)

// Split divides payload into fragments of at most maxSize characters.
// An empty payload still yields a single empty fragment marked last, so
// consumers always observe a terminated sequence.
func Split(payload string, maxSize int) ([]Fragment, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	total := (len(payload) + maxSize - 1) / maxSize
	if total == 0 {
		total = 1
	}
	out := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxSize
		end := start + maxSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, Fragment{
			Data:        payload[start:end],
			ChunkIndex:  i,
			TotalChunks: total,
			IsLast:      i == total-1,
		})
	}
	return out, nil
}

// Join reassembles fragments produced by Split, validating that the
// sequence is complete, in order, and free of gaps or overlap.
func Join(fragments []Fragment) (string, error) {
	if len(fragments) == 0 {
		return "", fmt.Errorf("%w: empty sequence", ErrBadSequence)
	}
	total := fragments[0].TotalChunks
	if total != len(fragments) {
		return "", fmt.Errorf("%w: have %d fragments, expected %d", ErrBadSequence, len(fragments), total)
	}
	size := 0
	for i, f := range fragments {
		if f.ChunkIndex != i {
			return "", fmt.Errorf("%w: fragment %d carries index %d", ErrBadSequence, i, f.ChunkIndex)
		}
		if f.TotalChunks != total {
			return "", fmt.Errorf("%w: fragment %d disagrees on total", ErrBadSequence, i)
		}
		if f.IsLast != (i == total-1) {
			return "", fmt.Errorf("%w: last flag misplaced at %d", ErrBadSequence, i)
		}
		size += len(f.Data)
	}
	buf := make([]byte, 0, size)
	for _, f := range fragments {
		buf = append(buf, f.Data...)
	}
	return string(buf), nil
}
