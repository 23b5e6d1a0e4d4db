package rangeproxy

import "testing"

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   byteRange
		ok     bool
	}{
		{"bytes=0-99", byteRange{start: 0, end: 99}, true},
		{"bytes=100-", byteRange{start: 100, end: -1}, true},
		{"bytes=-500", byteRange{end: 500, suffix: true}, true},
		{" bytes= 5 - 10 ", byteRange{start: 5, end: 10}, true},
		{"bytes=0-9,20-29", byteRange{start: 0, end: 9}, true},
		{"bytes=10-5", byteRange{}, false},
		{"bytes=-", byteRange{}, false},
		{"bytes=abc-", byteRange{}, false},
		{"items=0-9", byteRange{}, false},
		{"", byteRange{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := parseRange(tt.header)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseRange(%q) = %+v, %v; want %+v, %v", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		r          byteRange
		total      int64
		start, end int64
		ok         bool
	}{
		{"closed", byteRange{start: 10, end: 19}, 100, 10, 19, true},
		{"end clamped", byteRange{start: 90, end: 500}, 100, 90, 99, true},
		{"open", byteRange{start: 50, end: -1}, 100, 50, 99, true},
		{"suffix", byteRange{end: 10, suffix: true}, 100, 90, 99, true},
		{"suffix longer than file", byteRange{end: 1000, suffix: true}, 100, 0, 99, true},
		{"zero suffix", byteRange{end: 0, suffix: true}, 100, 0, 0, false},
		{"start past end", byteRange{start: 100, end: -1}, 100, 0, 0, false},
		{"empty resource", byteRange{start: 0, end: -1}, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := tt.r.resolve(tt.total)
			if ok != tt.ok || (ok && (start != tt.start || end != tt.end)) {
				t.Errorf("resolve(%d) = %d, %d, %v; want %d, %d, %v", tt.total, start, end, ok, tt.start, tt.end, tt.ok)
			}
		})
	}
}

func TestRangeTotal(t *testing.T) {
	tests := map[string]int64{
		"bytes 0-0/1234": 1234,
		"bytes 0-0/*":    0,
		"":               0,
	}
	for header, want := range tests {
		if got := rangeTotal(header); got != want {
			t.Errorf("rangeTotal(%q) = %d, want %d", header, got, want)
		}
	}
}
