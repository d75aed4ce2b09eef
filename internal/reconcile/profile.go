package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
	"github.com/basket/escrowmirror/internal/taskuri"
)

// SaveProfile stores a wallet profile and returns its profileURI. Profiles
// carry the key contact DEKs are wrapped to, so a key that is not 32 bytes
// of hex is rejected here rather than failing later syncs.
func (c *Coordinator) SaveProfile(ctx context.Context, p persistence.Profile) (string, error) {
	p.Address = strings.TrimSpace(p.Address)
	if !chain.IsAddress(p.Address) {
		return "", fmt.Errorf("%w: address %q is not an address", ErrInvalidRequest, p.Address)
	}
	if strings.TrimSpace(p.Nickname) == "" || strings.TrimSpace(p.City) == "" {
		return "", fmt.Errorf("%w: nickname and city are required", ErrInvalidRequest)
	}
	if !sealing.ValidatePubKey(p.EncryptionPubKey) {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, sealing.ErrInvalidPubKey)
	}
	if err := c.store.UpsertProfile(ctx, p); err != nil {
		return "", err
	}

	audit.Record(ctx, p.Address, audit.ActionProfileUpserted, "profile:"+p.Address, "")
	c.cfg.Bus.Publish(bus.TopicMirrorProfile, bus.ProfileUpsertedEvent{Address: p.Address, HasKey: true})
	c.logger.Info("profile saved", "address", p.Address)
	return taskuri.ProfileURI(c.cfg.PublicBaseURL, p.Address), nil
}
