package groupmembership

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroupFile = `# comment
root:x:0:
wheel:x:10:alice,bob
staff:x:50:
broken line
users:x:100: carol ,
`

// newTestMembership serves users and groups from fixed tables.
func newTestMembership(t *testing.T) *GroupMembership {
	t.Helper()
	path := filepath.Join(t.TempDir(), "group")
	require.NoError(t, os.WriteFile(path, []byte(testGroupFile), 0o600))

	users := map[string]*user.User{
		"1000": {Uid: "1000", Gid: "100", Username: "alice"},
		"1001": {Uid: "1001", Gid: "100", Username: "dave"},
		"1002": {Uid: "1002", Gid: "50", Username: "erin"},
	}
	groups := map[string]*user.Group{
		"wheel": {Gid: "10", Name: "wheel"},
		"staff": {Gid: "50", Name: "staff"},
		"users": {Gid: "100", Name: "users"},
	}

	gm := NewWithTimeout(time.Minute)
	gm.groupFile = path
	gm.lookupUser = func(uid string) (*user.User, error) {
		if u, ok := users[uid]; ok {
			return u, nil
		}
		return nil, user.UnknownUserIdError(0)
	}
	gm.lookupGroup = func(name string) (*user.Group, error) {
		if g, ok := groups[name]; ok {
			return g, nil
		}
		return nil, user.UnknownGroupError(name)
	}
	return gm
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name      string
		uid       int
		allowed   []string
		wantGroup string
		wantErr   error
	}{
		{name: "supplementary member", uid: 1000, allowed: []string{"wheel"}, wantGroup: "wheel"},
		{name: "primary group", uid: 1002, allowed: []string{"wheel", "staff"}, wantGroup: "staff"},
		{name: "numeric gid", uid: 1001, allowed: []string{"100"}, wantGroup: "100"},
		{name: "root always allowed", uid: 0, wantGroup: "root"},
		{name: "not a member", uid: 1001, allowed: []string{"wheel", "staff"}, wantErr: ErrNotMember},
		{name: "unknown group admits nobody", uid: 1000, allowed: []string{"admins"}, wantErr: ErrNotMember},
		{name: "nothing allowed", uid: 1000, wantErr: ErrNoAllowedGroups},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group, err := newTestMembership(t).Authorize(tt.uid, tt.allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, group)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGroup, group)
		})
	}
}

func TestAuthorize_UnknownUser(t *testing.T) {
	_, err := newTestMembership(t).Authorize(4242, []string{"wheel"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotMember))
}

func TestAuthorize_CurrentUserPrimaryGroup(t *testing.T) {
	current, err := user.Current()
	require.NoError(t, err)
	uid, err := strconv.Atoi(current.Uid)
	require.NoError(t, err)

	group, err := New().Authorize(uid, []string{current.Gid})
	require.NoError(t, err)
	assert.NotEmpty(t, group)
}

func TestGetGroupMembers(t *testing.T) {
	gm := newTestMembership(t)

	members, err := gm.GetGroupMembers(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	members, err = gm.GetGroupMembers(100)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, members)

	members, err = gm.GetGroupMembers(99999)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestGetGroupMembers_Cached(t *testing.T) {
	gm := newTestMembership(t)

	members, err := gm.GetGroupMembers(10)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, os.WriteFile(gm.groupFile, []byte("wheel:x:10:mallory\n"), 0o600))
	members, err = gm.GetGroupMembers(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	gm.ClearCache()
	members, err = gm.GetGroupMembers(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mallory"}, members)
}

func TestGetGroupMembers_MissingFile(t *testing.T) {
	gm := NewWithTimeout(time.Minute)
	gm.groupFile = filepath.Join(t.TempDir(), "absent")
	_, err := gm.GetGroupMembers(10)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseGroupLine(t *testing.T) {
	entry, err := parseGroupLine("wheel:x:10:alice,bob")
	require.NoError(t, err)
	assert.Equal(t, "wheel", entry.name)
	assert.Equal(t, uint32(10), entry.gid)
	assert.Equal(t, []string{"alice", "bob"}, entry.members)

	_, err = parseGroupLine("wheel:x:ten:alice")
	assert.Error(t, err)
	_, err = parseGroupLine("wheel:x")
	assert.Error(t, err)
}
