package elevation

import (
	"strings"
)

const nul = "\x00"

// PackStringList joins strings into one counted string, terminating each
// element (including the last) with NUL.
func PackStringList(list []string) string {
	n := len(list)
	for _, s := range list {
		n += len(s)
	}

	var b strings.Builder
	b.Grow(n)
	for _, s := range list {
		b.WriteString(s)
		b.WriteString(nul)
	}
	return b.String()
}

// UnpackStringList reverses PackStringList. A missing final terminator is
// tolerated.
func UnpackStringList(packed string) []string {
	if packed == "" {
		return []string{}
	}
	parts := strings.Split(packed, nul)
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// EnvBlock serializes name=value entries into a NUL-delimited block.
func EnvBlock(environ []string) string {
	return strings.Join(environ, nul)
}

// ParseEnvBlock splits a NUL-delimited block into name=value entries. Names
// may start with '=' (per-drive working directory entries); entries without a
// separator after the first character are dropped.
func ParseEnvBlock(block string) []string {
	var env []string
	for _, entry := range strings.Split(block, nul) {
		if len(entry) < 2 {
			continue
		}
		if !strings.Contains(entry[1:], "=") {
			continue
		}
		env = append(env, entry)
	}
	return env
}

// JoinArgs renders args as a single command line, quoting arguments that
// contain blanks and escaping embedded quotes.
func JoinArgs(args []string) string {
	var b strings.Builder
	for i, arg := range args {
		if i != 0 {
			b.WriteByte(' ')
		}

		quote := arg == "" || strings.ContainsAny(arg, " \t")
		if quote {
			b.WriteByte('"')
		}

		backslashes := 0
		for j := 0; j < len(arg); j++ {
			c := arg[j]
			if c == '\\' {
				backslashes++
			} else {
				if c == '"' {
					b.WriteString(strings.Repeat(`\`, backslashes+1))
				}
				backslashes = 0
			}
			b.WriteByte(c)
		}

		if quote {
			b.WriteString(strings.Repeat(`\`, backslashes))
			b.WriteByte('"')
		}
	}
	return b.String()
}
