// Package partition abstracts the device's boot-slot layout: which
// image the bootloader loads next, which image is currently running,
// and raw erasure of slots during factory reset.
package partition

import "errors"

// Kind classifies a partition by its role in the boot scheme.
type Kind int

const (
	// KindFactory is the recovery/updater image slot.
	KindFactory Kind = iota
	// KindOTASelector is the bootloader's slot-selection data.
	KindOTASelector
	// KindOTA is an application image slot.
	KindOTA
	// KindUnknown covers labels outside the boot scheme.
	KindUnknown
)

// String returns the log value for the kind.
func (k Kind) String() string {
	switch k {
	case KindFactory:
		return "factory"
	case KindOTASelector:
		return "ota-selector"
	case KindOTA:
		return "ota"
	default:
		return "unknown"
	}
}

// Well-known labels in the boot scheme.
const (
	LabelFactory  = "factory"
	LabelSelector = "otadata"
)

// ErrNotFound is returned when no partition matches a lookup.
var ErrNotFound = errors.New("partition not found")

// Partition describes a single slot.
type Partition struct {
	Label string
	Kind  Kind
	Size  int64
}

// Table is the boot-slot layout the lifecycle transitions operate
// on. Implementations map it onto whatever the platform provides; the
// shipped one is a directory of image files.
type Table interface {
	// Lookup returns the first partition of the given kind, in label
	// order.
	Lookup(kind Kind) (Partition, error)
	// LookupLabel returns the partition with the given label.
	LookupLabel(label string) (Partition, error)
	// Running returns the partition the current firmware booted from.
	Running() (Partition, error)
	// SetBoot selects the partition the bootloader loads next.
	SetBoot(p Partition) error
	// Erase zero-fills length bytes of the partition starting at off.
	// A length of zero erases from off to the end.
	Erase(p Partition, off, length int64) error
}
