// Package mention drives inline @-completion against the participants who
// are currently present. It is a purely local operation over
// already-subscribed presence data; no network round trip is involved.
package mention

import (
	"regexp"
	"strings"

	"collabsync/presence"
)

// An in-progress token is "@" followed by word characters, ending exactly at
// the cursor. Letters and digits from any script count, so names like
// "José" match whole.
var tokenRE = regexp.MustCompile(`@([\p{L}\p{N}_]*)$`)

// Token is a detected in-progress mention.
type Token struct {
	// Start is the offset of the "@" in the buffer.
	Start int
	// Query is the text typed after the "@", possibly empty.
	Query string
}

// Detect finds a trailing mention token in buffer[:cursor]. ok is false when
// the cursor is not positioned at the end of an @-token.
func Detect(buffer string, cursor int) (Token, bool) {
	if cursor < 0 || cursor > len(buffer) {
		return Token{}, false
	}
	m := tokenRE.FindStringSubmatchIndex(buffer[:cursor])
	if m == nil {
		return Token{}, false
	}
	return Token{Start: m[0], Query: buffer[m[2]:m[3]]}, true
}

// Filter returns the present participants whose display name matches the
// query, excluding the local session. Matching is a case-insensitive
// prefix-or-substring test; an empty query matches everyone.
func Filter(users []presence.OnlineUser, self presence.SessionID, query string) []presence.OnlineUser {
	q := strings.ToLower(query)
	var out []presence.OnlineUser
	for _, u := range users {
		if u.Session == self {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, u)
		}
	}
	return out
}

// Complete splices the selected name over the in-progress token, producing
// the new buffer and cursor. Text after the original cursor is preserved.
// When no token is detected the buffer comes back unchanged.
func Complete(buffer string, cursor int, name string) (string, int) {
	tok, ok := Detect(buffer, cursor)
	if !ok {
		return buffer, cursor
	}
	inserted := "@" + name + " "
	out := buffer[:tok.Start] + inserted + buffer[cursor:]
	return out, tok.Start + len(inserted)
}
