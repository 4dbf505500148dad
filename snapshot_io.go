package hv

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Section names inside the container. The version field is read before
// any section; readers that do not recognize the container version must
// not attempt partial interpretation.
const (
	sectionVM          = "vm"
	sectionVcpuPrefix  = "vcpu/"
	sectionDirtyPrefix = "dirty/"
)

// WriteSnapshot serializes a snapshot container: a fixed header
// (magic, version, arch, flags) followed by named sections. Sections
// are written in a deterministic order: the VM-wide section, then one
// section per vCPU in ascending id order, then dirty-log state per
// logged slot.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	if snap.VM == nil {
		return fmt.Errorf("snapshot has no VM section")
	}

	for _, v := range []uint32{SnapshotMagic, SnapshotVersion, ArchToSnapshotArch(snap.VM.Arch), 0} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	count := uint32(1 + len(snap.VCPUs) + len(snap.DirtyLogs))
	if err := binary.Write(w, binary.LittleEndian, count); err != nil {
		return fmt.Errorf("write section count: %w", err)
	}

	vmPayload, err := gobEncode(snap.VM)
	if err != nil {
		return fmt.Errorf("encode VM section: %w", err)
	}
	if err := writeSection(w, sectionVM, vmPayload); err != nil {
		return err
	}

	vcpus := make([]*VcpuSection, len(snap.VCPUs))
	copy(vcpus, snap.VCPUs)
	sort.Slice(vcpus, func(i, j int) bool { return vcpus[i].ID < vcpus[j].ID })

	for _, sec := range vcpus {
		payload, err := gobEncode(sec)
		if err != nil {
			return fmt.Errorf("encode vCPU %d section: %w", sec.ID, err)
		}
		name := sectionVcpuPrefix + strconv.Itoa(sec.ID)
		if err := writeSection(w, name, payload); err != nil {
			return err
		}
	}

	slots := make([]SlotID, 0, len(snap.DirtyLogs))
	for id := range snap.DirtyLogs {
		slots = append(slots, id)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	for _, id := range slots {
		payload, err := gobEncode(snap.DirtyLogs[id])
		if err != nil {
			return fmt.Errorf("encode dirty log for slot %d: %w", id, err)
		}
		name := sectionDirtyPrefix + strconv.FormatUint(uint64(id), 10)
		if err := writeSection(w, name, payload); err != nil {
			return err
		}
	}

	return nil
}

// ReadSnapshot parses a snapshot container. An unknown container
// version fails with ErrUnsupportedVersion before any section is read.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var magic, version, arch, flags uint32
	for _, p := range []*uint32{&magic, &version, &arch, &flags} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}

	if magic != SnapshotMagic {
		return nil, fmt.Errorf("invalid magic: expected %#x, got %#x", SnapshotMagic, magic)
	}
	if version != SnapshotVersion {
		return nil, fmt.Errorf("%w: container version %d", ErrUnsupportedVersion, version)
	}
	_ = flags // reserved

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read section count: %w", err)
	}

	snap := &Snapshot{}

	for i := uint32(0); i < count; i++ {
		name, payload, err := readSection(r)
		if err != nil {
			return nil, err
		}

		switch {
		case name == sectionVM:
			var sec VMSection
			if err := gobDecode(payload, &sec); err != nil {
				return nil, fmt.Errorf("decode VM section: %w", err)
			}
			snap.VM = &sec

		case strings.HasPrefix(name, sectionVcpuPrefix):
			id, err := strconv.Atoi(strings.TrimPrefix(name, sectionVcpuPrefix))
			if err != nil {
				return nil, fmt.Errorf("bad vCPU section name %q: %w", name, err)
			}
			var sec VcpuSection
			if err := gobDecode(payload, &sec); err != nil {
				return nil, fmt.Errorf("decode vCPU %d section: %w", id, err)
			}
			sec.ID = id
			snap.VCPUs = append(snap.VCPUs, &sec)

		case strings.HasPrefix(name, sectionDirtyPrefix):
			id, err := strconv.ParseUint(strings.TrimPrefix(name, sectionDirtyPrefix), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad dirty section name %q: %w", name, err)
			}
			var bitmap DirtyBitmap
			if err := gobDecode(payload, &bitmap); err != nil {
				return nil, fmt.Errorf("decode dirty log for slot %d: %w", id, err)
			}
			if snap.DirtyLogs == nil {
				snap.DirtyLogs = make(map[SlotID]DirtyBitmap)
			}
			snap.DirtyLogs[SlotID(id)] = bitmap

		default:
			// Unknown section names within a known container version
			// are skipped so the format can grow compatibly.
		}
	}

	if snap.VM == nil {
		return nil, fmt.Errorf("%w: container has no VM section", ErrIncompatibleSnapshot)
	}
	if want := SnapshotArchToArch(arch); snap.VM.Arch != want {
		return nil, fmt.Errorf("%w: header arch %q, VM section arch %q",
			ErrIncompatibleSnapshot, want, snap.VM.Arch)
	}

	return snap, nil
}

// SaveSnapshotFile writes a snapshot container to path.
func SaveSnapshotFile(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := WriteSnapshot(f, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return f.Close()
}

// LoadSnapshotFile reads a snapshot container from path.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	snap, err := ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	return snap, nil
}

// WriteMemoryImage compresses a guest memory image for orchestrators
// that persist memory contents alongside the container.
func WriteMemoryImage(w io.Writer, memory []byte) error {
	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(memory); err != nil {
		gzw.Close()
		return fmt.Errorf("compress memory: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("close gzip compressor: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(memory))); err != nil {
		return fmt.Errorf("write uncompressed size: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(compressed.Len())); err != nil {
		return fmt.Errorf("write compressed size: %w", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("write compressed data: %w", err)
	}

	return nil
}

// ReadMemoryImage reads an image written by WriteMemoryImage.
func ReadMemoryImage(r io.Reader) ([]byte, error) {
	var uncompressedSize, compressedSize uint64
	if err := binary.Read(r, binary.LittleEndian, &uncompressedSize); err != nil {
		return nil, fmt.Errorf("read uncompressed size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &compressedSize); err != nil {
		return nil, fmt.Errorf("read compressed size: %w", err)
	}

	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("read compressed data: %w", err)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzr.Close()

	memory := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(gzr, memory); err != nil {
		return nil, fmt.Errorf("decompress memory: %w", err)
	}

	return memory, nil
}

func writeSection(w io.Writer, name string, payload []byte) error {
	nameBytes := []byte(name)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(nameBytes))); err != nil {
		return fmt.Errorf("write section name length: %w", err)
	}
	if _, err := w.Write(nameBytes); err != nil {
		return fmt.Errorf("write section name: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("write section %q length: %w", name, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write section %q: %w", name, err)
	}
	return nil
}

func readSection(r io.Reader) (string, []byte, error) {
	var nameLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, fmt.Errorf("read section name length: %w", err)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", nil, fmt.Errorf("read section name: %w", err)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return "", nil, fmt.Errorf("read section %q length: %w", nameBytes, err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, fmt.Errorf("read section %q: %w", nameBytes, err)
	}

	return string(nameBytes), payload, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
