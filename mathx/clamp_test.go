package mathx

import "testing"

func TestClamp(t *testing.T) {
	if got := Clamp(1.2, 0.05, 0.95); got != 0.95 {
		t.Errorf("Clamp(1.2) = %v", got)
	}
	if got := Clamp(-3, 0, 10); got != 0 {
		t.Errorf("Clamp(-3) = %v", got)
	}
	// swapped bounds
	if got := Clamp(5, 10, 0); got != 5 {
		t.Errorf("Clamp(5, 10, 0) = %v", got)
	}
}

func TestBetween(t *testing.T) {
	if !Between(29, 0, 29) || Between(30, 0, 29) || !Between(-1, 0, -1) {
		t.Errorf("Between boundaries wrong")
	}
}

func TestAbsAndDivCeil(t *testing.T) {
	if Abs(-2.5) != 2.5 || Abs(int32(-7)) != 7 {
		t.Errorf("Abs wrong")
	}
	if DivCeil(125_000_000, 2*65534*10000) != 1 {
		t.Errorf("DivCeil small")
	}
	if DivCeil(uint32(10), 3) != 4 || DivCeil(uint32(9), 3) != 3 {
		t.Errorf("DivCeil rounding")
	}
}
