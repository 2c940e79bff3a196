package mqtt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/setupinfo"
)

// IDs are the persistent pairing identifiers.
type IDs struct {
	// AccessoryID is the stable device identifier controllers key
	// entity history on. Erased by a pairing-store reset, which makes
	// the plug reappear as a new device.
	AccessoryID string
	// SetupID is the 4-character ID carried in the setup payload and
	// the service advertisement.
	SetupID string
}

// LoadOrCreateIDs reads the pairing identifiers from the store, or
// mints and persists new ones if absent. A UUIDv7 accessory ID keeps
// identifiers sortable by creation time across a fleet.
func LoadOrCreateIDs(store *kvstore.Store) (IDs, error) {
	accessoryID, err := loadOrMint(store, kvstore.KeyAccessoryID, func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
	if err != nil {
		return IDs{}, fmt.Errorf("accessory id: %w", err)
	}

	setupID, err := loadOrMint(store, kvstore.KeySetupID, func() (string, error) {
		return setupinfo.NewSetupID(), nil
	})
	if err != nil {
		return IDs{}, fmt.Errorf("setup id: %w", err)
	}

	return IDs{AccessoryID: accessoryID, SetupID: setupID}, nil
}

func loadOrMint(store *kvstore.Store, key string, mint func() (string, error)) (string, error) {
	val, err := store.Get(kvstore.NamespacePairing, key)
	if err == nil && val != "" {
		return val, nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", err
	}

	val, err = mint()
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if err := store.Set(kvstore.NamespacePairing, key, val); err != nil {
		return "", fmt.Errorf("persist: %w", err)
	}
	return val, nil
}
