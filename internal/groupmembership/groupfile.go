package groupmembership

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultGroupFile is the group database read for supplementary members.
const DefaultGroupFile = "/etc/group"

// groupEntry represents a parsed line from the group file
type groupEntry struct {
	name    string
	gid     uint32
	members []string
}

// readGroupMembers returns the supplementary members of gid listed in path.
// A group that is not listed has no members.
func readGroupMembers(path string, gid uint32) ([]string, error) {
	file, err := os.Open(path) // #nosec G304 - path is fixed or set by tests
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseGroupLine(line)
		if err != nil {
			continue // Skip malformed lines
		}
		if entry.gid == gid {
			return entry.members, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return []string{}, nil
}

// parseGroupLine parses a single line of the group file
// Format: groupname:password:gid:member1,member2,member3
func parseGroupLine(line string) (*groupEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 4 {
		return nil, fmt.Errorf("invalid group line format")
	}

	gid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid GID: %w", err)
	}

	members := []string{}
	for _, member := range strings.Split(fields[3], ",") {
		if member = strings.TrimSpace(member); member != "" {
			members = append(members, member)
		}
	}
	return &groupEntry{name: fields[0], gid: uint32(gid), members: members}, nil
}
