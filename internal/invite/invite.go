// Package invite builds and parses the links that bring people into a room:
// the join URL with its auto-join flag, and the mailto form of it.
package invite

import (
	"net/url"
	"strings"
)

// autoJoinParam marks a join URL that should enter the room without asking.
const autoJoinParam = "autojoin"

// JoinURL returns the shareable link for a room, with the auto-join flag
// set. base is the relay's public URL, e.g. "https://meet.example.org".
func JoinURL(base, room string) string {
	return strings.TrimRight(base, "/") + "/join/" + url.PathEscape(room) + "?" + autoJoinParam + "=1"
}

// IsAutoJoin reports whether a join URL's query asks for immediate entry.
func IsAutoJoin(q url.Values) bool {
	switch q.Get(autoJoinParam) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// RoomFromURL extracts the room id from a join link. Accepts a full URL or
// a bare "/join/<room>" path. Returns false when the link is not a join link.
func RoomFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	rest, ok := strings.CutPrefix(u.Path, "/join/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	room, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return room, true
}

// Mailto returns a mailto: link inviting someone to a room. to may be empty;
// the mail client then asks for a recipient. Percent-encoding is used
// throughout because mail clients read "+" literally.
func Mailto(to, room, joinURL string) string {
	subject := "Meeting invitation: " + room
	body := "You are invited to a meeting in room \"" + room + "\".\n\nJoin here:\n" + joinURL + "\n"
	return "mailto:" + to + "?subject=" + escape(subject) + "&body=" + escape(body)
}

// escape percent-encodes for a mailto query, where QueryEscape's "+" for
// spaces would come out wrong.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
