package bitmap

import "testing"

func TestBitmap64FindFirstSet(t *testing.T) {
	var b Bitmap64
	if got := b.FindFirstSet(); got != None {
		t.Fatalf("empty bitmap: want None, got %d", got)
	}
	b.Set(40)
	b.Set(3)
	b.Set(63)
	if got := b.FindFirstSet(); got != 3 {
		t.Fatalf("want 3, got %d", got)
	}
	b.Clear(3)
	if got := b.FindFirstSet(); got != 40 {
		t.Fatalf("after clear: want 40, got %d", got)
	}
	if !b.Get(63) || b.Get(3) {
		t.Fatalf("Get mismatch: 63=%v 3=%v", b.Get(63), b.Get(3))
	}
	if got := b.Count(); got != 2 {
		t.Fatalf("Count: want 2, got %d", got)
	}
}

func TestBitmap64FindFirstZero(t *testing.T) {
	b := Bitmap64(^uint64(0))
	if got := b.FindFirstZero(); got != None {
		t.Fatalf("full bitmap: want None, got %d", got)
	}
	b.Clear(17)
	if got := b.FindFirstZero(); got != 17 {
		t.Fatalf("want 17, got %d", got)
	}
}

func TestBitmap4096SummaryTracksGroups(t *testing.T) {
	var b Bitmap4096
	b.Set(4095)
	b.Set(130)
	b.Set(129)

	if got := b.FindFirstSet(); got != 129 {
		t.Fatalf("want 129, got %d", got)
	}
	if got := b.Fetch(); got != 129 {
		t.Fatalf("Fetch: want 129, got %d", got)
	}
	if got := b.Fetch(); got != 130 {
		t.Fatalf("Fetch: want 130, got %d", got)
	}
	if b.l1.Get(2) {
		t.Fatalf("group 2 emptied but summary bit still set")
	}
	if got := b.FindFirstSet(); got != 4095 {
		t.Fatalf("want 4095, got %d", got)
	}
	b.Clear(4095)
	if !b.Empty() {
		t.Fatalf("expected empty bitmap")
	}
	if got := b.FindFirstSet(); got != None {
		t.Fatalf("want None, got %d", got)
	}
}

func TestBitmap4096ClearKeepsSiblings(t *testing.T) {
	var b Bitmap4096
	b.Set(64)
	b.Set(65)
	b.Clear(64)
	if got := b.FindFirstSet(); got != 65 {
		t.Fatalf("want 65, got %d", got)
	}
}

func TestNewPicksWidth(t *testing.T) {
	tests := []struct {
		n       int
		wantLen int
		wantErr bool
	}{
		{n: 1, wantLen: 64},
		{n: 64, wantLen: 64},
		{n: 65, wantLen: 4096},
		{n: 4096, wantLen: 4096},
		{n: 4097, wantErr: true},
		{n: 0, wantErr: true},
	}
	for _, tt := range tests {
		idx, err := New(tt.n)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("New(%d): expected error", tt.n)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%d): %v", tt.n, err)
		}
		if idx.Len() != tt.wantLen {
			t.Fatalf("New(%d): want len %d, got %d", tt.n, tt.wantLen, idx.Len())
		}
	}
}
