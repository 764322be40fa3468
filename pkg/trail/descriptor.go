package trail

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

var ErrInvalidDescriptor = errors.New("invalid trail descriptor")

// Descriptor is the on-disk record of a trail. The preshared key of a
// private trail is a read credential, so descriptors are written 0600.
type Descriptor struct {
	IdentityID     string            `json:"identityId"`
	ChannelAddress string            `json:"channelAddress"`
	Visibility     ledger.Visibility `json:"visibility"`
	PresharedKey   string            `json:"presharedKey,omitempty"`
	Algorithm      string            `json:"algorithm"`
	Topics         []ledger.Topic    `json:"topics,omitempty"`
}

func (d Descriptor) Validate() error {
	if d.ChannelAddress == "" {
		return fmt.Errorf("%w: missing channel address", ErrInvalidDescriptor)
	}
	if _, err := ledger.ParseVisibility(string(d.Visibility)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if d.Visibility == ledger.Private && d.PresharedKey == "" {
		return fmt.Errorf("%w: private trail without preshared key", ErrInvalidDescriptor)
	}
	if _, err := proof.NewHasher(d.Algorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return nil
}

// SaveDescriptor writes d to path.
func SaveDescriptor(path string, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return identity.WriteJSON(path, d)
}

// LoadDescriptor reads and validates the descriptor at path.
func LoadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	if err := identity.ReadJSON(path, &d); err != nil {
		return Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("load %s: %w", path, err)
	}
	return d, nil
}
