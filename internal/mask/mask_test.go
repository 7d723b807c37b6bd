package mask

import (
	"errors"
	"testing"
)

func maskFromRows(rows []string) *Mask {
	h := len(rows)
	w := len(rows[0])
	m := New(w, h)
	for y, row := range rows {
		for x := 0; x < w; x++ {
			if row[x] == '1' {
				m.Set(x, y, true)
			}
		}
	}
	return m
}

func masksEqual(a, b *Mask) bool {
	if a.Width != b.Width || a.Height != b.Height {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := map[string]*Mask{
		"all zero": New(4, 3),
		"all one": func() *Mask {
			m := New(4, 3)
			for i := range m.Pix {
				m.Pix[i] = 1
			}
			return m
		}(),
		"checkerboard": func() *Mask {
			m := New(5, 5)
			for y := 0; y < 5; y++ {
				for x := 0; x < 5; x++ {
					m.Set(x, y, (x+y)%2 == 0)
				}
			}
			return m
		}(),
		"single pixel": func() *Mask {
			m := New(7, 7)
			m.Set(3, 3, true)
			return m
		}(),
		"blob": maskFromRows([]string{
			"00000",
			"01110",
			"01110",
			"00000",
		}),
	}

	for name, m := range cases {
		rle := Encode(m)
		decoded, err := Decode(rle)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", name, err)
		}
		if !masksEqual(m, decoded) {
			t.Errorf("%s: round trip mismatch", name)
		}
	}
}

func TestEncode_StructuralInvariants(t *testing.T) {
	m := maskFromRows([]string{
		"110",
		"000",
	})
	rle := Encode(m)

	if len(rle.Counts) < 1 {
		t.Fatal("expected at least one count")
	}
	if rle.Counts[0] != 0 {
		t.Errorf("mask starting with foreground must have leading zero count, got %d", rle.Counts[0])
	}

	sum := 0
	for _, c := range rle.Counts {
		sum += c
	}
	if sum != m.Width*m.Height {
		t.Errorf("counts sum = %d, want %d", sum, m.Width*m.Height)
	}
	if rle.Size[0] != m.Height || rle.Size[1] != m.Width {
		t.Errorf("size = %v, want [%d %d]", rle.Size, m.Height, m.Width)
	}
}

func TestEncode_AllBackgroundSingleRun(t *testing.T) {
	rle := Encode(New(3, 2))
	if len(rle.Counts) != 1 || rle.Counts[0] != 6 {
		t.Errorf("all-zero mask counts = %v, want [6]", rle.Counts)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]RLE{
		"sum too small":  {Counts: []int{3}, Size: [2]int{2, 2}},
		"sum too large":  {Counts: []int{5}, Size: [2]int{2, 2}},
		"negative count": {Counts: []int{-1, 5}, Size: [2]int{2, 2}},
		"zero height":    {Counts: []int{0}, Size: [2]int{0, 4}},
		"zero width":     {Counts: []int{0}, Size: [2]int{4, 0}},
	}

	for name, rle := range cases {
		if _, err := Decode(rle); !errors.Is(err, ErrMalformedRLE) {
			t.Errorf("%s: expected ErrMalformedRLE, got %v", name, err)
		}
	}
}

func TestBoundingBoxAndArea(t *testing.T) {
	m := maskFromRows([]string{
		"000000",
		"001100",
		"001110",
		"000000",
	})

	x1, y1, x2, y2, ok := m.BoundingBox()
	if !ok {
		t.Fatal("expected a bounding box")
	}
	if x1 != 2 || y1 != 1 || x2 != 4 || y2 != 2 {
		t.Errorf("bounding box = (%d,%d,%d,%d), want (2,1,4,2)", x1, y1, x2, y2)
	}
	if m.Area() != 5 {
		t.Errorf("area = %d, want 5", m.Area())
	}

	if _, _, _, _, ok := New(4, 4).BoundingBox(); ok {
		t.Error("empty mask must not report a bounding box")
	}
}
