package hv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleSnapshot() *Snapshot {
	slots := []SlotInfo{
		{ID: 0, GuestAddr: 0x0, Size: 0x10000, LogDirtyPages: true},
		{ID: 1, GuestAddr: 0x20000, Size: 0x10000, ReadOnly: true},
	}

	dirty := NewDirtyBitmap(DirtyPages(0x10000, 4096))
	dirty.Set(0)
	dirty.Set(3)

	return &Snapshot{
		VM: &VMSection{
			Backend:    BackendSoft,
			Arch:       ArchitectureX86_64,
			CPUCount:   2,
			ConfigHash: ComputeConfigHash(BackendSoft, ArchitectureX86_64, 2, slots),
			Slots:      slots,
			Routes: []Route{
				IrqchipRoute(4, IrqchipIOAPIC, 4),
				MSIRoute(33, 0xfee00000, 0x21),
			},
			Opaque: OpaqueBlob{Backend: BackendSoft, Version: 1, Data: []byte{1, 2, 3}},
		},
		VCPUs: []*VcpuSection{
			{
				ID: 1,
				Registers: map[Register]uint64{
					RegisterAMD64Rip: 0x1000,
					RegisterAMD64Rsp: 0x8000,
				},
				Opaque: OpaqueBlob{Backend: BackendSoft, Version: 1},
			},
			{
				ID: 0,
				Registers: map[Register]uint64{
					RegisterAMD64Rip: 0x2000,
				},
				Opaque: OpaqueBlob{Backend: BackendSoft, Version: 1},
			},
		},
		DirtyLogs: map[SlotID]DirtyBitmap{0: dirty},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got.VM, snap.VM) {
		t.Errorf("VM section differs after round trip:\n got %+v\nwant %+v", got.VM, snap.VM)
	}

	if len(got.VCPUs) != 2 {
		t.Fatalf("got %d vCPU sections, want 2", len(got.VCPUs))
	}
	for _, want := range snap.VCPUs {
		sec, ok := got.VcpuSection(want.ID)
		if !ok {
			t.Fatalf("vCPU %d section missing after round trip", want.ID)
		}
		if !reflect.DeepEqual(sec, want) {
			t.Errorf("vCPU %d section differs:\n got %+v\nwant %+v", want.ID, sec, want)
		}
	}

	log, ok := got.DirtyLogs[0]
	if !ok {
		t.Fatal("dirty log for slot 0 missing after round trip")
	}
	if !reflect.DeepEqual(log, snap.DirtyLogs[0]) {
		t.Errorf("dirty log differs after round trip: got %v, want %v", log, snap.DirtyLogs[0])
	}
}

func TestSnapshotBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[0:], 0xdeadbeef)

	if _, err := ReadSnapshot(bytes.NewReader(data)); err == nil {
		t.Fatal("ReadSnapshot accepted a corrupted magic")
	}
}

func TestSnapshotUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[4:], SnapshotVersion+1)

	_, err := ReadSnapshot(bytes.NewReader(data))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("ReadSnapshot: err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestSnapshotTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	data := buf.Bytes()
	if _, err := ReadSnapshot(bytes.NewReader(data[:len(data)/2])); err == nil {
		t.Fatal("ReadSnapshot accepted a truncated container")
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.hvsn")

	snap := sampleSnapshot()
	if err := SaveSnapshotFile(path, snap); err != nil {
		t.Fatalf("SaveSnapshotFile: %v", err)
	}

	got, err := LoadSnapshotFile(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFile: %v", err)
	}
	if !reflect.DeepEqual(got.VM, snap.VM) {
		t.Error("VM section differs after file round trip")
	}
}

func TestMemoryImageRoundTrip(t *testing.T) {
	memory := make([]byte, 0x20000)
	for i := range memory {
		memory[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	if err := WriteMemoryImage(&buf, memory); err != nil {
		t.Fatalf("WriteMemoryImage: %v", err)
	}

	// Mostly repetitive content compresses.
	if buf.Len() >= len(memory) {
		t.Errorf("image is %d bytes for %d bytes of memory, expected compression", buf.Len(), len(memory))
	}

	got, err := ReadMemoryImage(&buf)
	if err != nil {
		t.Fatalf("ReadMemoryImage: %v", err)
	}
	if !bytes.Equal(got, memory) {
		t.Error("memory differs after round trip")
	}
}

func TestConfigHashExcludesSlotIDs(t *testing.T) {
	a := []SlotInfo{{ID: 0, GuestAddr: 0, Size: 0x10000}}
	b := []SlotInfo{{ID: 7, GuestAddr: 0, Size: 0x10000}}

	if ComputeConfigHash(BackendSoft, ArchitectureX86_64, 1, a) !=
		ComputeConfigHash(BackendSoft, ArchitectureX86_64, 1, b) {
		t.Error("hash differs when only slot ids differ")
	}

	c := []SlotInfo{{ID: 0, GuestAddr: 0, Size: 0x20000}}
	if ComputeConfigHash(BackendSoft, ArchitectureX86_64, 1, a) ==
		ComputeConfigHash(BackendSoft, ArchitectureX86_64, 1, c) {
		t.Error("hash identical for different slot layouts")
	}

	if ComputeConfigHash(BackendSoft, ArchitectureX86_64, 1, a) ==
		ComputeConfigHash(BackendKVM, ArchitectureX86_64, 1, a) {
		t.Error("hash identical for different backends")
	}
}
