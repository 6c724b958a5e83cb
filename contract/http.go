package contract

// Request and response bodies of the HTTP function.

type RenameRequest struct {
	DisplayName string `json:"displayName"`
}

// AddContactRequest names the contact by uid or, failing that, by email.
type AddContactRequest struct {
	UID   string `json:"uid,omitempty"`
	Email string `json:"email,omitempty"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type SendMessageResponse struct {
	// Outcome is "delivered" or "requested".
	Outcome string   `json:"outcome"`
	Message *Message `json:"message,omitempty"`
}

type AcceptRequestResponse struct {
	Accepted bool `json:"accepted"`
}

type LastSeenResponse struct {
	UID      string `json:"uid"`
	LastSeen string `json:"lastSeen,omitempty"`
}

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamEvent is one SSE frame of a live list.
type StreamEvent[T any] struct {
	Initial bool              `json:"initial"`
	Items   []T               `json:"items"`
	Changes []StreamChange[T] `json:"changes"`
}

type StreamChange[T any] struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Item *T     `json:"item,omitempty"`
}
