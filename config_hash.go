package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// VMConfigHash is a hash of VM configuration for snapshot validation.
// Two snapshots can only be restored across VMs with the same hash.
type VMConfigHash [32]byte

// ComputeConfigHash computes a deterministic hash of the configuration
// parameters that must match across a snapshot/restore boundary.
func ComputeConfigHash(backend BackendID, arch CpuArchitecture, cpuCount int, slots []SlotInfo) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(arch))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	// Slot layout in address order; ids are excluded since they may
	// legitimately differ after a restore.
	for _, s := range slots {
		binary.LittleEndian.PutUint64(buf[:], s.GuestAddr)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], s.Size)
		h.Write(buf[:])
		var flags byte
		if s.ReadOnly {
			flags |= 1
		}
		if s.LogDirtyPages {
			flags |= 2
		}
		h.Write([]byte{flags})
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
