package dynmap

import (
	"testing"

	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
)

func TestListForAddressAndInstall(t *testing.T) {
	d := New(12, 1<<8) // 4KB shards, 256 shards => covers 0x0..0x100000
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	d.Install(l)

	if got := d.ListForAddress(0x4500); got != l {
		t.Errorf("ListForAddress(0x4500) = %v, want %v", got, l)
	}
	if got := d.ListForAddress(0x8500); got != nil {
		t.Errorf("ListForAddress(0x8500) = %v, want nil (different shard)", got)
	}
}

func TestUninstallClearsShards(t *testing.T) {
	d := New(12, 1<<8)
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	d.Install(l)
	d.Uninstall(l)
	if got := d.ListForAddress(0x4500); got != nil {
		t.Errorf("ListForAddress after Uninstall = %v, want nil", got)
	}
}

func TestFindBlockNative(t *testing.T) {
	d := New(12, 1<<8)
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	d.Install(l)

	b, _ := l.Add(0x4000, true, nil)
	b.NativeCode = 0x70000000
	b.NativeSize = 0x80
	b.MarkReady()
	d.IndexNative(b)

	got := d.FindNative(0x70000040)
	if got != b {
		t.Fatalf("FindNative(N+0x40) = %v, want %v", got, b)
	}

	if got := d.FindNative(0x70000080); got != nil {
		t.Errorf("FindNative at exclusive end = %v, want nil", got)
	}
	if got := d.FindNative(0x1); got != nil {
		t.Errorf("FindNative far below any block = %v, want nil", got)
	}
}

func TestUnindexNativeRemovesEntry(t *testing.T) {
	d := New(12, 1<<8)
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Add(0x4000, true, nil)
	b.NativeCode = 0x70000000
	b.NativeSize = 0x80
	b.MarkReady()
	d.IndexNative(b)
	d.UnindexNative(b)

	if got := d.FindNative(0x70000040); got != nil {
		t.Errorf("FindNative after UnindexNative = %v, want nil", got)
	}
}

func TestIndexNativeIgnoresSons(t *testing.T) {
	d := New(12, 1<<8)
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	father, _ := l.Add(0x4000, true, nil)
	father.NativeCode, father.NativeSize = 0x70000000, 0x80
	father.MarkReady()

	son, _ := l.Add(0x4040, true, nil)
	son.Father = father
	son.NativeCode, son.NativeSize = 0x70000040, 0x10
	son.MarkReady()

	d.IndexNative(father)
	d.IndexNative(son) // should be a no-op: sons are never fathers in the index

	if got := d.FindNative(0x70000048); got != father {
		t.Errorf("FindNative inside son range = %v, want father %v (sons aren't separately indexed)", got, father)
	}
}
