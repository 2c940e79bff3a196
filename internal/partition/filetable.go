package partition

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// eraseChunk is the write granularity for Erase.
const eraseChunk = 64 * 1024

// FileTable is a Table backed by a directory of image files. Each
// partition is a <label>.img file; the boot selection is a one-line
// boot_target file, and the running partition is named by a one-line
// running file maintained by the boot wrapper.
type FileTable struct {
	dir    string
	logger *slog.Logger
}

// NewFileTable returns a table over the image directory. The directory
// is not required to exist until the first operation.
func NewFileTable(dir string, logger *slog.Logger) *FileTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTable{dir: dir, logger: logger}
}

// kindOf classifies a label within the boot scheme.
func kindOf(label string) Kind {
	switch {
	case label == LabelFactory:
		return KindFactory
	case label == LabelSelector:
		return KindOTASelector
	case strings.HasPrefix(label, "ota_"):
		return KindOTA
	default:
		return KindUnknown
	}
}

func (t *FileTable) imagePath(label string) string {
	return filepath.Join(t.dir, label+".img")
}

// list returns all image-backed partitions in label order.
func (t *FileTable) list() ([]Partition, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}

	var parts []Partition
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".img") {
			continue
		}
		label := strings.TrimSuffix(name, ".img")
		info, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, Partition{
			Label: label,
			Kind:  kindOf(label),
			Size:  info.Size(),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Label < parts[j].Label })
	return parts, nil
}

// Lookup returns the first partition of the given kind, in label order.
func (t *FileTable) Lookup(kind Kind) (Partition, error) {
	parts, err := t.list()
	if err != nil {
		return Partition{}, err
	}
	for _, p := range parts {
		if p.Kind == kind {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("lookup kind %s: %w", kind, ErrNotFound)
}

// LookupLabel returns the partition with the given label.
func (t *FileTable) LookupLabel(label string) (Partition, error) {
	info, err := os.Stat(t.imagePath(label))
	if err != nil {
		return Partition{}, fmt.Errorf("lookup %s: %w", label, ErrNotFound)
	}
	return Partition{Label: label, Kind: kindOf(label), Size: info.Size()}, nil
}

// Running returns the partition named by the running file.
func (t *FileTable) Running() (Partition, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, "running"))
	if err != nil {
		return Partition{}, fmt.Errorf("running partition: %w", ErrNotFound)
	}
	return t.LookupLabel(strings.TrimSpace(string(data)))
}

// SetBoot writes the boot selection the bootloader reads on the next
// start.
func (t *FileTable) SetBoot(p Partition) error {
	path := filepath.Join(t.dir, "boot_target")
	if err := os.WriteFile(path, []byte(p.Label+"\n"), 0o644); err != nil {
		return fmt.Errorf("set boot target: %w", err)
	}
	t.logger.Info("boot target set", "label", p.Label)
	return nil
}

// Erase zero-fills length bytes of the partition image starting at
// off. A length of zero erases from off to the end of the image.
func (t *FileTable) Erase(p Partition, off, length int64) error {
	f, err := os.OpenFile(t.imagePath(p.Label), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("erase %s: %w", p.Label, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("erase %s: %w", p.Label, err)
	}
	size := info.Size()
	if off < 0 || off > size {
		return fmt.Errorf("erase %s: offset %d out of range (size %d)", p.Label, off, size)
	}
	if length == 0 {
		length = size - off
	}
	if off+length > size {
		return fmt.Errorf("erase %s: range %d+%d exceeds size %d", p.Label, off, length, size)
	}

	zeros := make([]byte, eraseChunk)
	pos := off
	remaining := length
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.WriteAt(zeros[:n], pos); err != nil {
			return fmt.Errorf("erase %s at %d: %w", p.Label, pos, err)
		}
		pos += n
		remaining -= n
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("erase %s: sync: %w", p.Label, err)
	}
	return nil
}
