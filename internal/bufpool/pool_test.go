package bufpool

import "testing"

func TestGetSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 100, 4 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 40 * 1024, 64 * 1024},
		{"1MB bucket - exact", 1024 * 1024, 1024 * 1024},
		{"1MB bucket - smaller", 800 * 1024, 1024 * 1024},
		{"above buckets - unpooled", 2 * 1024 * 1024, 2 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("Get(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("Get(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			Put(buf)
		})
	}
}

func TestPutNonStandardCapIsNoop(t *testing.T) {
	buf := make([]byte, 100*1024)
	Put(buf) // must not panic
}

func TestGetAfterPutReturnsRequestedLength(t *testing.T) {
	buf1 := Get(4 * 1024)
	buf1[0] = 0xAB
	Put(buf1)

	buf2 := Get(4 * 1024)
	defer Put(buf2)
	// Pool reuse is not guaranteed immediately, only that Get/Put never panics
	// and always returns a slice of the requested length.
	if len(buf2) != 4*1024 {
		t.Fatalf("expected len 4096, got %d", len(buf2))
	}
}
