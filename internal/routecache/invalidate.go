package routecache

import (
	"context"
	"fmt"
)

// Kind names an invalidatable entity.
type Kind string

const (
	KindOrganization   Kind = "organization"
	KindExtension      Kind = "extension"
	KindDID            Kind = "did"
	KindSchedule       Kind = "schedule"
	KindRingGroup      Kind = "ring_group"
	KindIvrMenu        Kind = "ivr_menu"
	KindConferenceRoom Kind = "conference_room"
)

// Invalidation identifies cache entries to evict after an administrative
// write. Number is used for extensions and DIDs, ID for id-keyed entities and
// Domain for organizations.
type Invalidation struct {
	Kind           Kind   `json:"kind" validate:"required,oneof=organization extension did schedule ring_group ivr_menu conference_room"`
	OrganizationID int64  `json:"organization_id" validate:"required_unless=Kind organization"`
	Number         string `json:"number,omitempty" validate:"required_if=Kind extension,required_if=Kind did,max=64"`
	ID             int64  `json:"id,omitempty" validate:"gte=0"`
	Domain         string `json:"domain,omitempty" validate:"required_if=Kind organization,max=253"`
}

// keys returns the cache keys affected by inv.
func (inv Invalidation) keys() ([]string, error) {
	org := inv.OrganizationID
	switch inv.Kind {
	case KindOrganization:
		if inv.Domain == "" {
			return nil, fmt.Errorf("organization invalidation requires domain")
		}
		return []string{domainKey(inv.Domain)}, nil
	case KindExtension:
		if inv.Number == "" {
			return nil, fmt.Errorf("extension invalidation requires number")
		}
		return []string{extensionKey(org, inv.Number)}, nil
	case KindDID:
		if inv.Number == "" {
			return nil, fmt.Errorf("did invalidation requires number")
		}
		return []string{didKey(org, inv.Number)}, nil
	case KindSchedule:
		// The active pointer may resolve to any schedule, so drop it too.
		return []string{idKey(org, "bh", inv.ID), activeScheduleKey(org)}, nil
	case KindRingGroup:
		return []string{idKey(org, "rg", inv.ID)}, nil
	case KindIvrMenu:
		return []string{idKey(org, "ivr", inv.ID)}, nil
	case KindConferenceRoom:
		return []string{idKey(org, "conf", inv.ID)}, nil
	default:
		return nil, fmt.Errorf("unknown cache entity %q", inv.Kind)
	}
}

// Invalidate evicts the entries named by inv.
func (c *Cache) Invalidate(ctx context.Context, inv Invalidation) error {
	keys, err := inv.keys()
	if err != nil {
		return err
	}
	err = c.cacheBrk.Call(ctx, func(ctx context.Context) error {
		return c.store.Delete(ctx, keys...)
	}, nil)
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", inv.Kind, err)
	}
	c.logger.Info("cache invalidated", "kind", inv.Kind, "organization_id", inv.OrganizationID, "keys", len(keys))
	return nil
}

// InvalidateExtension evicts an extension.
func (c *Cache) InvalidateExtension(ctx context.Context, orgID int64, number string) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindExtension, OrganizationID: orgID, Number: number})
}

// InvalidateDID evicts a DID.
func (c *Cache) InvalidateDID(ctx context.Context, orgID int64, number string) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindDID, OrganizationID: orgID, Number: number})
}

// InvalidateSchedule evicts a schedule and the active schedule pointer.
func (c *Cache) InvalidateSchedule(ctx context.Context, orgID, id int64) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindSchedule, OrganizationID: orgID, ID: id})
}

// InvalidateRingGroup evicts a ring group.
func (c *Cache) InvalidateRingGroup(ctx context.Context, orgID, id int64) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindRingGroup, OrganizationID: orgID, ID: id})
}

// InvalidateIvrMenu evicts an IVR menu.
func (c *Cache) InvalidateIvrMenu(ctx context.Context, orgID, id int64) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindIvrMenu, OrganizationID: orgID, ID: id})
}

// InvalidateOrganization evicts a tenant's domain mapping.
func (c *Cache) InvalidateOrganization(ctx context.Context, domain string) error {
	return c.Invalidate(ctx, Invalidation{Kind: KindOrganization, Domain: domain})
}
