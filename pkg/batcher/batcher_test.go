package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/backend"
)

func TestFlushesOnBatchSize(t *testing.T) {
	b := New(Config{BatchSize: 3, MaxWait: time.Second})
	in := make(chan backend.Token, 10)
	out := make(chan []backend.Token, 10)

	for i := 0; i < 6; i++ {
		in <- backend.Token{Text: "x", Index: i}
	}
	close(in)

	done := make(chan struct{})
	go func() { b.Run(in, out); close(done) }()
	<-done

	var batches [][]backend.Token
	for batch := range out {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 3)
	require.Len(t, batches[1], 3)
	require.Equal(t, 0, batches[0][0].Index)
	require.Equal(t, 5, batches[1][2].Index)
}

func TestFlushesOnMaxWait(t *testing.T) {
	b := New(Config{BatchSize: 100, MaxWait: 10 * time.Millisecond})
	in := make(chan backend.Token)
	out := make(chan []backend.Token, 10)

	go b.Run(in, out)
	in <- backend.Token{Text: "a", Index: 0}

	select {
	case batch := <-out:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("expected batch to flush on max_wait")
	}
	close(in)
}

func TestFlushesPartialBatchOnStreamEnd(t *testing.T) {
	b := New(Config{BatchSize: 5, MaxWait: time.Second})
	in := make(chan backend.Token, 2)
	out := make(chan []backend.Token, 10)

	in <- backend.Token{Text: "a", Index: 0}
	in <- backend.Token{Text: "b", Index: 1}
	close(in)

	b.Run(in, out)

	var batches [][]backend.Token
	for batch := range out {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
}

func TestPreservesOrder(t *testing.T) {
	b := New(Config{BatchSize: 2, MaxWait: time.Second})
	in := make(chan backend.Token, 10)
	out := make(chan []backend.Token, 10)

	for i := 0; i < 10; i++ {
		in <- backend.Token{Text: "x", Index: i}
	}
	close(in)
	b.Run(in, out)

	idx := 0
	for batch := range out {
		for _, tok := range batch {
			require.Equal(t, idx, tok.Index)
			idx++
		}
	}
	require.Equal(t, 10, idx)
}
