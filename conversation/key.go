package conversation

import (
	"strings"
)

const (
	separator = "_"

	privateMessagesCollection = "privateMessages"
	groupMessagesCollection   = "groupMessages"
	messagesSubcollection     = "messages"
)

// escaper makes the separator (and the path delimiter) impossible inside an escaped id,
// so the joined key can always be split back into the original pair.
var escaper = strings.NewReplacer(
	"%", "%25",
	"_", "%5F",
	"/", "%2F",
)

// Key returns the canonical key of the private conversation between a and b.
// Key(a, b) == Key(b, a) for every pair.
func Key(a, b string) string {
	ea, eb := escaper.Replace(a), escaper.Replace(b)
	if ea > eb {
		ea, eb = eb, ea
	}
	return ea + separator + eb
}

type Kind int

const (
	KindPrivate Kind = iota
	KindGroup
)

func (k Kind) String() string {
	if k == KindGroup {
		return "group"
	}
	return "private"
}

// Ref identifies a message log: either a private conversation between two users
// or a group conversation.
type Ref struct {
	kind  Kind
	id    string
	users [2]string
}

// Private returns a reference to the conversation between a and b.
func Private(a, b string) Ref {
	if a > b {
		a, b = b, a
	}
	return Ref{kind: KindPrivate, id: Key(a, b), users: [2]string{a, b}}
}

// Group returns a reference to the conversation of the group with the given id.
func Group(groupID string) Ref {
	return Ref{kind: KindGroup, id: groupID}
}

func (r Ref) Kind() Kind { return r.kind }

// ID is the conversation key for private conversations and the group id for groups.
func (r Ref) ID() string { return r.id }

// Collection is the store collection holding the conversation's messages.
func (r Ref) Collection() string {
	root := privateMessagesCollection
	if r.kind == KindGroup {
		root = groupMessagesCollection
	}
	return root + "/" + r.id + "/" + messagesSubcollection
}

// Participant reports whether uid is one of the two users of a private conversation.
// It is always false for group conversations, membership lives in the group registry.
func (r Ref) Participant(uid string) bool {
	if r.kind != KindPrivate {
		return false
	}
	return r.users[0] == uid || r.users[1] == uid
}

// Peer returns the other participant of a private conversation.
func (r Ref) Peer(uid string) (string, bool) {
	if r.kind != KindPrivate {
		return "", false
	}
	switch uid {
	case r.users[0]:
		return r.users[1], true
	case r.users[1]:
		return r.users[0], true
	}
	return "", false
}

func (r Ref) String() string {
	return r.kind.String() + ":" + r.id
}
