package reputation

import "testing"

func TestTierFor(t *testing.T) {
	cases := []struct {
		energy    int
		wantTitle string
		wantSeek  bool
	}{
		{-5, "Newcomer", false},
		{0, "Newcomer", false},
		{1, "Newcomer", false},
		{2, "Sprout", true},
		{9, "Sprout", true},
		{10, "Neighbour", true},
		{29, "Neighbour", true},
		{30, "Helper", true},
		{99, "Helper", true},
		{100, "Pillar", true},
		{1000, "Pillar", true},
	}

	for _, c := range cases {
		got := TierFor(c.energy)
		if got.Title != c.wantTitle {
			t.Errorf("TierFor(%d).Title = %q, want %q", c.energy, got.Title, c.wantTitle)
		}
		if got.CanSeek != c.wantSeek {
			t.Errorf("TierFor(%d).CanSeek = %v, want %v", c.energy, got.CanSeek, c.wantSeek)
		}
		if got.Color == "" {
			t.Errorf("TierFor(%d).Color is empty", c.energy)
		}
	}
}

func TestOnlyLowestTierDeniesSeek(t *testing.T) {
	for energy := 2; energy <= 200; energy++ {
		if !TierFor(energy).CanSeek {
			t.Fatalf("TierFor(%d).CanSeek = false, expected true for all scores above the lowest tier", energy)
		}
	}
}
