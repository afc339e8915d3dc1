// Package groupmembership decides whether a user may elevate by checking
// membership in the administrator's allowed groups.
package groupmembership

import (
	"errors"
	"fmt"
	"os/user"
	"slices"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultCacheTimeout is the default timeout duration for cache entries
	DefaultCacheTimeout = 30 * time.Second
)

// Errors returned by Authorize.
var (
	ErrNoAllowedGroups = errors.New("no groups are allowed to elevate")
	ErrNotMember       = errors.New("user is not a member of an allowed group")
)

// GroupMembership resolves group members with a short-lived cache.
type GroupMembership struct {
	membershipCache map[uint32]groupMemberCache
	cacheMutex      sync.RWMutex
	cacheTimeout    time.Duration

	groupFile   string
	lookupUser  func(uid string) (*user.User, error)
	lookupGroup func(name string) (*user.Group, error)
}

// groupMemberCache holds cached group membership data with expiration
type groupMemberCache struct {
	members []string
	expiry  time.Time
}

// New creates a GroupMembership reading the system databases.
func New() *GroupMembership {
	return NewWithTimeout(DefaultCacheTimeout)
}

// NewWithTimeout creates a GroupMembership with the given cache timeout.
func NewWithTimeout(timeout time.Duration) *GroupMembership {
	return &GroupMembership{
		membershipCache: make(map[uint32]groupMemberCache),
		cacheTimeout:    timeout,
		groupFile:       DefaultGroupFile,
		lookupUser:      user.LookupId,
		lookupGroup:     user.LookupGroup,
	}
}

// Authorize reports which of the allowed groups admits uid. Root is always
// admitted. Allowed groups are names or numeric gids; groups that do not
// exist admit nobody.
func (gm *GroupMembership) Authorize(uid int, allowed []string) (string, error) {
	if uid == 0 {
		return "root", nil
	}
	if len(allowed) == 0 {
		return "", ErrNoAllowedGroups
	}

	u, err := gm.lookupUser(strconv.Itoa(uid))
	if err != nil {
		return "", fmt.Errorf("failed to lookup uid %d: %w", uid, err)
	}

	for _, name := range allowed {
		gid, ok := gm.resolveGroup(name)
		if !ok {
			continue
		}
		if u.Gid == strconv.FormatUint(uint64(gid), 10) {
			return name, nil
		}
		members, err := gm.GetGroupMembers(gid)
		if err != nil {
			return "", fmt.Errorf("failed to get members of group %s: %w", name, err)
		}
		if slices.Contains(members, u.Username) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s (uid %d)", ErrNotMember, u.Username, uid)
}

// resolveGroup maps a group name or numeric gid to a gid.
func (gm *GroupMembership) resolveGroup(name string) (uint32, bool) {
	if gid, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(gid), true
	}
	group, err := gm.lookupGroup(name)
	if err != nil {
		return 0, false
	}
	gid, err := strconv.ParseUint(group.Gid, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(gid), true
}

// GetGroupMembers returns the supplementary members of gid.
// Results are cached for performance with the configured timeout
func (gm *GroupMembership) GetGroupMembers(gid uint32) ([]string, error) {
	gm.cacheMutex.RLock()
	if cached, exists := gm.membershipCache[gid]; exists && time.Now().Before(cached.expiry) {
		gm.cacheMutex.RUnlock()
		return cached.members, nil
	}
	gm.cacheMutex.RUnlock()

	gm.cacheMutex.Lock()
	defer gm.cacheMutex.Unlock()

	// Another goroutine may have filled the entry meanwhile.
	if cached, exists := gm.membershipCache[gid]; exists && time.Now().Before(cached.expiry) {
		return cached.members, nil
	}

	gm.clearExpiredCache()

	members, err := readGroupMembers(gm.groupFile, gid)
	if err != nil {
		return nil, err
	}
	gm.membershipCache[gid] = groupMemberCache{
		members: members,
		expiry:  time.Now().Add(gm.cacheTimeout),
	}
	return members, nil
}

// ClearCache manually clears all cached group membership data
func (gm *GroupMembership) ClearCache() {
	gm.cacheMutex.Lock()
	defer gm.cacheMutex.Unlock()
	gm.membershipCache = make(map[uint32]groupMemberCache)
}

// clearExpiredCache removes expired cache entries (must be called with write lock held)
func (gm *GroupMembership) clearExpiredCache() {
	now := time.Now()
	for gid, entry := range gm.membershipCache {
		if now.After(entry.expiry) {
			delete(gm.membershipCache, gid)
		}
	}
}
