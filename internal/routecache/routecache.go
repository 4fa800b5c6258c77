// Package routecache is the tenant-scoped read-through cache in front of the
// durable store. Every lookup takes the organization id explicitly and every
// key embeds it.
package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
)

// Repositories are the durable-store readers behind the cache.
type Repositories struct {
	Organizations   database.OrganizationRepository
	Extensions      database.ExtensionRepository
	DIDs            database.DidNumberRepository
	RingGroups      database.RingGroupRepository
	Schedules       database.ScheduleRepository
	IvrMenus        database.IvrMenuRepository
	ConferenceRooms database.ConferenceRoomRepository
}

// TTLs holds per-entity expiry.
type TTLs struct {
	Organization time.Duration
	Extension    time.Duration
	DID          time.Duration
	Schedule     time.Duration
	RingGroup    time.Duration
	IvrMenu      time.Duration
	Conference   time.Duration
}

// DefaultTTLs keeps extensions and DIDs short-lived since serving a disabled
// record is a security risk.
func DefaultTTLs() TTLs {
	return TTLs{
		Organization: 60 * time.Second,
		Extension:    60 * time.Second,
		DID:          60 * time.Second,
		Schedule:     300 * time.Second,
		RingGroup:    300 * time.Second,
		IvrMenu:      300 * time.Second,
		Conference:   300 * time.Second,
	}
}

// Cache serves routing lookups.
type Cache struct {
	store     cache.Store
	repos     Repositories
	ttl       TTLs
	cacheBrk  *breaker.Breaker
	storeBrk  *breaker.Breaker
	logger    *slog.Logger
	onOutcome func(hit bool)
}

// New creates a Cache. Cache backend access goes through the "cache" breaker
// and durable-store reads through the "database" breaker of breakers.
func New(store cache.Store, repos Repositories, ttl TTLs, breakers *breaker.Registry, logger *slog.Logger) *Cache {
	return &Cache{
		store:    store,
		repos:    repos,
		ttl:      ttl,
		cacheBrk: breakers.Get(breaker.ServiceCache),
		storeBrk: breakers.Get(breaker.ServiceDatabase),
		logger:   logger.With("subsystem", "routecache"),
	}
}

// OnLookup registers a hook called after every cached lookup with whether it
// was served from the cache.
func (c *Cache) OnLookup(fn func(hit bool)) { c.onOutcome = fn }

func orgPrefix(orgID int64) string {
	return "route:" + strconv.FormatInt(orgID, 10) + ":"
}

func extensionKey(orgID int64, number string) string { return orgPrefix(orgID) + "ext:" + number }
func didKey(orgID int64, number string) string       { return orgPrefix(orgID) + "did:" + number }
func activeScheduleKey(orgID int64) string           { return orgPrefix(orgID) + "bh:active" }
func idKey(orgID int64, kind string, id int64) string {
	return orgPrefix(orgID) + kind + ":" + strconv.FormatInt(id, 10)
}
func domainKey(domain string) string { return "route:org:domain:" + domain }

// lookup is the read-through path shared by every entity. valid rejects
// cached values that do not belong to the requesting tenant.
func lookup[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, valid func(*T) bool, load func(context.Context) (*T, error)) (*T, error) {
	data, _ := breaker.Execute(ctx, c.cacheBrk,
		func(ctx context.Context) ([]byte, error) {
			b, err := c.store.Get(ctx, key)
			if errors.Is(err, cache.ErrMiss) {
				return nil, nil
			}
			return b, err
		},
		func(context.Context) ([]byte, error) { return nil, nil },
	)

	if data != nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil && valid(&v) {
			c.outcome(true)
			return &v, nil
		}
		c.logger.Warn("discarding cached value", "key", key)
	}
	c.outcome(false)

	v, err := breaker.Execute(ctx, c.storeBrk, load, nil)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	if v == nil || !valid(v) {
		return nil, nil
	}

	if encoded, err := json.Marshal(v); err == nil {
		err := c.cacheBrk.Call(ctx, func(ctx context.Context) error {
			return c.store.Set(ctx, key, encoded, ttl)
		}, nil)
		if err != nil {
			c.logger.Debug("cache write skipped", "key", key, "error", err)
		}
	}
	return v, nil
}

func (c *Cache) outcome(hit bool) {
	if c.onOutcome != nil {
		c.onOutcome(hit)
	}
}

// GetOrganizationByDomain resolves a tenant from its domain.
func (c *Cache) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	return lookup(ctx, c, domainKey(domain), c.ttl.Organization,
		func(o *models.Organization) bool { return o.Domain == domain },
		func(ctx context.Context) (*models.Organization, error) {
			return c.repos.Organizations.GetByDomain(ctx, domain)
		})
}

// GetExtension returns the extension with number in orgID. Inactive records
// and every type are returned; callers apply their own filters.
func (c *Cache) GetExtension(ctx context.Context, orgID int64, number string) (*models.Extension, error) {
	return lookup(ctx, c, extensionKey(orgID, number), c.ttl.Extension,
		func(e *models.Extension) bool { return e.OrganizationID == orgID && e.ExtensionNumber == number },
		func(ctx context.Context) (*models.Extension, error) {
			return c.repos.Extensions.GetByNumber(ctx, orgID, number)
		})
}

// GetExtensionByID reads an extension by id. It is not cached because the
// number-keyed entry is the one invalidated on writes.
func (c *Cache) GetExtensionByID(ctx context.Context, orgID, id int64) (*models.Extension, error) {
	ext, err := breaker.Execute(ctx, c.storeBrk, func(ctx context.Context) (*models.Extension, error) {
		return c.repos.Extensions.GetByID(ctx, orgID, id)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("loading extension %d: %w", id, err)
	}
	if ext != nil && ext.OrganizationID != orgID {
		return nil, nil
	}
	return ext, nil
}

// GetDID returns the DID with number owned by orgID, regardless of status.
func (c *Cache) GetDID(ctx context.Context, orgID int64, number string) (*models.DidNumber, error) {
	return lookup(ctx, c, didKey(orgID, number), c.ttl.DID,
		func(d *models.DidNumber) bool { return d.OrganizationID == orgID && d.PhoneNumber == number },
		func(ctx context.Context) (*models.DidNumber, error) {
			return c.repos.DIDs.GetByNumber(ctx, orgID, number)
		})
}

// GetActiveBusinessHoursSchedule returns the organization's active schedule.
// With several active schedules the lowest id wins.
func (c *Cache) GetActiveBusinessHoursSchedule(ctx context.Context, orgID int64) (*models.BusinessHoursSchedule, error) {
	return lookup(ctx, c, activeScheduleKey(orgID), c.ttl.Schedule,
		func(s *models.BusinessHoursSchedule) bool { return s.OrganizationID == orgID },
		func(ctx context.Context) (*models.BusinessHoursSchedule, error) {
			return c.repos.Schedules.GetActive(ctx, orgID)
		})
}

// GetSchedule returns a schedule by id.
func (c *Cache) GetSchedule(ctx context.Context, orgID, id int64) (*models.BusinessHoursSchedule, error) {
	return lookup(ctx, c, idKey(orgID, "bh", id), c.ttl.Schedule,
		func(s *models.BusinessHoursSchedule) bool { return s.OrganizationID == orgID && s.ID == id },
		func(ctx context.Context) (*models.BusinessHoursSchedule, error) {
			return c.repos.Schedules.GetByID(ctx, orgID, id)
		})
}

// GetRingGroup returns a ring group with its members.
func (c *Cache) GetRingGroup(ctx context.Context, orgID, id int64) (*models.RingGroup, error) {
	return lookup(ctx, c, idKey(orgID, "rg", id), c.ttl.RingGroup,
		func(g *models.RingGroup) bool { return g.OrganizationID == orgID && g.ID == id },
		func(ctx context.Context) (*models.RingGroup, error) {
			return c.repos.RingGroups.GetByID(ctx, orgID, id)
		})
}

// GetIvrMenu returns an IVR menu with its options.
func (c *Cache) GetIvrMenu(ctx context.Context, orgID, id int64) (*models.IvrMenu, error) {
	return lookup(ctx, c, idKey(orgID, "ivr", id), c.ttl.IvrMenu,
		func(m *models.IvrMenu) bool { return m.OrganizationID == orgID && m.ID == id },
		func(ctx context.Context) (*models.IvrMenu, error) {
			return c.repos.IvrMenus.GetByID(ctx, orgID, id)
		})
}

// GetConferenceRoom returns a conference room.
func (c *Cache) GetConferenceRoom(ctx context.Context, orgID, id int64) (*models.ConferenceRoom, error) {
	return lookup(ctx, c, idKey(orgID, "conf", id), c.ttl.Conference,
		func(r *models.ConferenceRoom) bool { return r.OrganizationID == orgID && r.ID == id },
		func(ctx context.Context) (*models.ConferenceRoom, error) {
			return c.repos.ConferenceRooms.GetByID(ctx, orgID, id)
		})
}

// AdvanceRotation moves a round robin group's persisted start offset and
// returns the offset this call should start from.
func (c *Cache) AdvanceRotation(ctx context.Context, orgID, ringGroupID int64, size int) (int, error) {
	n, err := breaker.Execute(ctx, c.storeBrk, func(ctx context.Context) (int, error) {
		return c.repos.RingGroups.AdvanceRotation(ctx, orgID, ringGroupID, size)
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("advancing rotation for ring group %d: %w", ringGroupID, err)
	}
	return n, nil
}
