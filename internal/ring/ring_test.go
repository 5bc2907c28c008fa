package ring

import (
	"sync"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	r := New(8)
	in := []int16{1, 2, 3, 4}
	if n := r.Write(in); n != 4 {
		t.Fatalf("write returned %d, want 4", n)
	}
	out := make([]int16, 4)
	if n := r.Read(out); n != 4 {
		t.Fatalf("read returned %d, want 4", n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], in[i])
		}
	}
	if r.Available() != 0 {
		t.Fatalf("expected empty after full read, got %d available", r.Available())
	}
}

func TestWriteReportsShortOnOverflow(t *testing.T) {
	r := New(4)
	n := r.Write([]int16{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Fatalf("expected short write of 4, got %d", n)
	}
	if r.FreeSpace() != 0 {
		t.Fatalf("expected ring full, got free=%d", r.FreeSpace())
	}
}

func TestReadReportsShortWhenUnderfilled(t *testing.T) {
	r := New(8)
	r.Write([]int16{9, 9})
	out := make([]int16, 5)
	if n := r.Read(out); n != 2 {
		t.Fatalf("expected short read of 2, got %d", n)
	}
}

func TestResetClearsCursors(t *testing.T) {
	r := New(4)
	r.Write([]int16{1, 2})
	r.Reset()
	if r.Available() != 0 {
		t.Fatalf("expected 0 available after reset, got %d", r.Available())
	}
	if n := r.Write([]int16{1, 2, 3, 4}); n != 4 {
		t.Fatalf("expected full capacity after reset, wrote %d", n)
	}
}

func TestWrapsAroundPhysicalBuffer(t *testing.T) {
	r := New(4)
	buf := make([]int16, 3)
	r.Write([]int16{1, 2, 3})
	r.Read(buf)
	r.Write([]int16{4, 5, 6})
	out := make([]int16, 3)
	n := r.Read(out)
	if n != 3 || out[0] != 4 || out[1] != 5 || out[2] != 6 {
		t.Fatalf("wraparound mismatch: n=%d out=%v", n, out)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	r := New(64)
	const total = 100000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sent := 0
		chunk := make([]int16, 16)
		for sent < total {
			for i := range chunk {
				chunk[i] = int16(sent + i)
			}
			want := len(chunk)
			if total-sent < want {
				want = total - sent
			}
			n := r.Write(chunk[:want])
			sent += n
		}
	}()

	go func() {
		defer wg.Done()
		received := 0
		buf := make([]int16, 16)
		for received < total {
			n := r.Read(buf)
			for i := 0; i < n; i++ {
				if buf[i] != int16(received+i) {
					t.Errorf("sample out of order at %d: got %d want %d", received+i, buf[i], received+i)
				}
			}
			received += n
		}
	}()

	wg.Wait()
}
