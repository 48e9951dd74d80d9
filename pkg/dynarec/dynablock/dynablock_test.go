package dynablock

import "testing"

func TestHashEmpty(t *testing.T) {
	if got := Hash(nil); got != 0 {
		t.Errorf("Hash(nil) = %d, want 0", got)
	}
}

func TestHashSingleByte(t *testing.T) {
	if got := Hash([]byte{0x42}); got != 0x42 {
		t.Errorf("Hash([0x42]) = %#x, want 0x42", got)
	}
}

func TestHashMatchesX31(t *testing.T) {
	bytes := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	h := int32(bytes[0])
	for _, b := range bytes[1:] {
		h = (h << 5) - h + int32(b)
	}
	want := uint32(h)
	if got := Hash(bytes); got != want {
		t.Errorf("Hash(%v) = %#x, want %#x", bytes, got, want)
	}
}

func TestHashChangesOnMutation(t *testing.T) {
	a := Hash([]byte{0x90, 0x90, 0xc3})
	b := Hash([]byte{0x90, 0x91, 0xc3})
	if a == b {
		t.Errorf("Hash should differ after guest byte mutation, got %#x for both", a)
	}
}

func TestBlockReadyGate(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.WaitReady()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("WaitReady returned before MarkReady was called")
	default:
	}
	b.MarkReady()
	<-done
}

func TestEffectiveFather(t *testing.T) {
	father := New()
	son := New()
	son.Father = father
	if son.EffectiveFather() != father {
		t.Errorf("son.EffectiveFather() should be father")
	}
	if father.EffectiveFather() != father {
		t.Errorf("father.EffectiveFather() should be itself")
	}
}

func TestCoversAndCoversNative(t *testing.T) {
	b := &Block{GuestAddr: 0x1000, GuestSize: 0x10, NativeCode: 0x8000, NativeSize: 0x40}
	if !b.Covers(0x1000) || !b.Covers(0x100f) || b.Covers(0x1010) {
		t.Errorf("Covers boundary check failed")
	}
	if !b.CoversNative(0x8000) || !b.CoversNative(0x803f) || b.CoversNative(0x8040) {
		t.Errorf("CoversNative boundary check failed")
	}
}
