package netutil

import (
	"context"
	"testing"
	"time"
)

func TestMerge_YieldsFromBothSourcesTaggedCorrectly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan []byte, 1)
	b := make(chan []byte, 1)

	out := Merge(ctx, a, b)

	a <- []byte("from-a")
	item := recvWithTimeout(t, out)
	if item.Source != SourceA || string(item.Value) != "from-a" {
		t.Fatalf("expected (SourceA, from-a), got (%v, %q)", item.Source, item.Value)
	}

	b <- []byte("from-b")
	item = recvWithTimeout(t, out)
	if item.Source != SourceB || string(item.Value) != "from-b" {
		t.Fatalf("expected (SourceB, from-b), got (%v, %q)", item.Source, item.Value)
	}
}

func TestMerge_ClosesOnSourceAClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan []byte)
	b := make(chan []byte)
	out := Merge(ctx, a, b)

	close(a)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected out to be closed once source a closes")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merge to close")
	}
}

func TestMerge_ClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := make(chan []byte)
	b := make(chan []byte)
	out := Merge(ctx, a, b)

	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected out to be closed once ctx is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merge to close after cancel")
	}
}

// TestMerge_DoesNotStarveEitherSource exercises P6's fairness contract:
// with both sources continuously producing, neither source's values are
// starved indefinitely by the other.
func TestMerge_DoesNotStarveEitherSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan []byte)
	b := make(chan []byte)
	out := Merge(ctx, a, b)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			a <- []byte("a")
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			b <- []byte("b")
		}
	}()

	var fromA, fromB int
	for i := 0; i < 2*n; i++ {
		item := recvWithTimeout(t, out)
		switch item.Source {
		case SourceA:
			fromA++
		case SourceB:
			fromB++
		}
	}

	if fromA != n || fromB != n {
		t.Fatalf("expected %d from each source, got a=%d b=%d", n, fromA, fromB)
	}
}

func recvWithTimeout(t *testing.T, ch <-chan Item) Item {
	t.Helper()
	select {
	case item, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return item
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merge item")
		return Item{}
	}
}
