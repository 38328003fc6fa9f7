package hdm

import "testing"

func TestSwitchDecoderGetTargetPowerOfTwo(t *testing.T) {
	d := NewSwitchDecoder(0)
	if err := d.Commit(Info{
		Base: 0, Size: 1 << 30, IG: Granularity256B, IW: Ways4,
		TargetPorts: []int{10, 11, 12, 13},
	}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	cases := []struct {
		hpa  uint64
		want int
	}{
		{0, 10},
		{256, 11},
		{512, 12},
		{768, 13},
		{1024, 10},
	}
	for _, c := range cases {
		got, ok := d.GetTarget(c.hpa)
		if !ok || got != c.want {
			t.Errorf("GetTarget(%#x) = (%d, %v), want (%d, true)", c.hpa, got, ok, c.want)
		}
	}
}

func TestSwitchDecoderGetTargetNonPowerOfTwo(t *testing.T) {
	d := NewSwitchDecoder(0)
	ports := []int{0, 1, 2}
	if err := d.Commit(Info{Base: 0, Size: 1 << 30, IG: Granularity256B, IW: Ways3, TargetPorts: ports}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	for i, want := range []int{0, 1, 2, 0, 1, 2} {
		hpa := uint64(i) * 256
		got, ok := d.GetTarget(hpa)
		if !ok || got != want {
			t.Errorf("GetTarget(%#x) = (%d, %v), want (%d, true)", hpa, got, ok, want)
		}
	}
}

func TestSwitchDecoderOutOfRange(t *testing.T) {
	d := NewSwitchDecoder(0)
	_ = d.Commit(Info{Base: 0x1000, Size: 0x1000, IG: Granularity256B, IW: Ways1, TargetPorts: []int{0}})
	if _, ok := d.GetTarget(0); ok {
		t.Fatal("GetTarget() in-range for hpa below base")
	}
	if _, ok := d.GetTarget(0x2000); ok {
		t.Fatal("GetTarget() in-range for hpa at base+size")
	}
}

func TestDeviceDecoderGetHPAInverseWhenWays1(t *testing.T) {
	d := NewDeviceDecoder(0)
	if err := d.Commit(Info{Base: 0x10000, Size: 1 << 20, IG: Granularity256B, IW: Ways1}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	for _, hpa := range []uint64{0x10000, 0x10100, 0x1FFFF} {
		dpa, ok := d.GetDPA(hpa)
		if !ok {
			t.Fatalf("GetDPA(%#x) not ok", hpa)
		}
		gotHPA, ok := d.GetHPA(dpa)
		if !ok || gotHPA != hpa {
			t.Errorf("GetHPA(GetDPA(%#x)) = (%#x, %v), want (%#x, true)", hpa, gotHPA, ok, hpa)
		}
	}
}

func TestDeviceDecoderGetHPAFailsWhenNotWays1(t *testing.T) {
	d := NewDeviceDecoder(0)
	_ = d.Commit(Info{Base: 0, Size: 1 << 20, IG: Granularity256B, IW: Ways4})
	if _, ok := d.GetHPA(0); ok {
		t.Fatal("GetHPA() ok = true with iw != 1")
	}
}

func TestDeviceDecoderGetDPAInterleaved(t *testing.T) {
	// With iw=4 (log2=2) and ig=256B, addresses within one granule map to
	// consecutive DPA offsets, and the "high" part striped across ways
	// collapses back to a dense DPA range on one device.
	d := NewDeviceDecoder(0)
	_ = d.Commit(Info{Base: 0, Size: 1 << 30, IG: Granularity256B, IW: Ways4})
	dpa0, _ := d.GetDPA(0)
	dpa1, _ := d.GetDPA(1024) // one full interleave stripe (4 ways * 256B) later
	if dpa0 != 0 {
		t.Fatalf("GetDPA(0) = %#x, want 0", dpa0)
	}
	if dpa1 != 256 {
		t.Fatalf("GetDPA(1024) = %#x, want %#x", dpa1, 256)
	}
}

func TestSwitchDecoderDisabledUntilCommit(t *testing.T) {
	d := NewSwitchDecoder(0)
	if _, ok := d.GetTarget(0); ok {
		t.Fatal("GetTarget() on uncommitted decoder: want not-ok")
	}
	if d.Enabled() {
		t.Fatal("Enabled() = true before Commit")
	}
}
