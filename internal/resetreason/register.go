// Package resetreason persists the reason a deliberate reboot was
// scheduled, in a small fixed-format record on volatile storage. The
// record file lives on tmpfs so it survives a warm reboot of the host
// but not a power cycle, which is exactly the distinction the
// lifecycle logic needs: a power cycle must read as reason none.
package resetreason

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Reason identifies which lifecycle action scheduled the reboot the
// device is now booting out of.
type Reason uint32

const (
	None Reason = iota
	HomeKitReset
	FactoryReset
	Update
)

// String returns the stable log value for the reason.
func (r Reason) String() string {
	switch r {
	case HomeKitReset:
		return "homekit"
	case FactoryReset:
		return "factory"
	case Update:
		return "update"
	default:
		return "none"
	}
}

// magic marks the record as written by this firmware family. Any other
// value (uninitialized storage, torn write, foreign build) makes the
// record read as reason none.
const magic = 0xC0DEC0DE

// recordSize is the fixed on-disk size: magic, reason, and restart
// count as little-endian uint32s.
const recordSize = 12

type record struct {
	magic  uint32
	reason uint32
	count  uint32
}

// Register reads and writes the reset-reason record at a fixed path.
type Register struct {
	path string
}

// New returns a register backed by the record file at path. The file
// is created on first write.
func New(path string) *Register {
	return &Register{path: path}
}

// load reads the current record. A missing, short, or unreadable file
// yields the zero record, which carries no reason and a zero count.
func (g *Register) load() record {
	data, err := os.ReadFile(g.path)
	if err != nil || len(data) < recordSize {
		return record{}
	}
	return record{
		magic:  binary.LittleEndian.Uint32(data[0:4]),
		reason: binary.LittleEndian.Uint32(data[4:8]),
		count:  binary.LittleEndian.Uint32(data[8:12]),
	}
}

func (g *Register) store(rec record) error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], rec.magic)
	binary.LittleEndian.PutUint32(buf[4:8], rec.reason)
	binary.LittleEndian.PutUint32(buf[8:12], rec.count)
	if err := os.WriteFile(g.path, buf, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Mark records the reason for the reboot about to happen. The restart
// count stored alongside is preserved.
func (g *Register) Mark(r Reason) error {
	rec := g.load()
	rec.magic = magic
	rec.reason = uint32(r)
	return g.store(rec)
}

// Peek returns the recorded reason without clearing it. A record with
// the wrong magic or an out-of-range reason reads as None.
func (g *Register) Peek() Reason {
	rec := g.load()
	if rec.magic != magic {
		return None
	}
	if rec.reason > uint32(Update) {
		return None
	}
	return Reason(rec.reason)
}

// Clear resets the magic and reason so the next boot reads None. The
// restart count is preserved. Clearing an already-clear record is a
// no-op that still succeeds.
func (g *Register) Clear() error {
	rec := g.load()
	rec.magic = 0
	rec.reason = 0
	return g.store(rec)
}

// Count returns the restart count mirrored in the record, or zero when
// the record is absent or unreadable.
func (g *Register) Count() uint32 {
	return g.load().count
}

// SetCount updates the mirrored restart count, preserving the magic
// and reason fields.
func (g *Register) SetCount(n uint32) error {
	rec := g.load()
	rec.count = n
	return g.store(rec)
}
