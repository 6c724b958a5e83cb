package contract

import (
	"fmt"
	"time"

	"github.com/klipach/gatedchat/store"
)

// Collections, laid out the way the web client stores them.
const (
	UsersCollection  = "users"
	GroupsCollection = "groups"
)

// ContactsCollection holds the contact edges owned by uid.
func ContactsCollection(uid string) string {
	return "contacts/" + uid + "/list"
}

// RequestsCollection holds the pending message requests addressed to uid.
func RequestsCollection(uid string) string {
	return "messageRequests/" + uid + "/from"
}

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

func (g Gender) orDefault() Gender {
	if g == GenderFemale {
		return g
	}
	return GenderMale
}

type User struct {
	UID         string     `json:"uid"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email"`
	PhotoURL    string     `json:"photoURL,omitempty"`
	Gender      Gender     `json:"gender"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Data omits lastSeen, which only the presence tracker writes.
func (u User) Data() store.Data {
	return store.Data{
		"uid":         u.UID,
		"displayName": u.DisplayName,
		"email":       u.Email,
		"photoURL":    u.PhotoURL,
		"gender":      string(u.Gender.orDefault()),
	}
}

// Name is the display name, or the email for users without one.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

func UserFromDoc(d store.Doc) (User, error) {
	u := User{
		UID:         str(d.Data, "uid"),
		DisplayName: str(d.Data, "displayName"),
		Email:       str(d.Data, "email"),
		PhotoURL:    str(d.Data, "photoURL"),
		Gender:      Gender(str(d.Data, "gender")).orDefault(),
	}
	if u.UID == "" {
		u.UID = d.Key
	}
	if ts, ok := timeOf(d.Data["lastSeen"]); ok {
		u.LastSeen = &ts
	}
	return u, nil
}

// Contact is the edge owner -> UID with a snapshot of the target's profile.
type Contact struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	Gender      Gender    `json:"gender"`
	AddedAt     time.Time `json:"addedAt"`
}

func ContactOf(u User) Contact {
	return Contact{
		UID:         u.UID,
		DisplayName: u.Name(),
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
		Gender:      u.Gender.orDefault(),
	}
}

func (c Contact) Data() store.Data {
	return store.Data{
		"uid":         c.UID,
		"displayName": c.DisplayName,
		"email":       c.Email,
		"photoURL":    c.PhotoURL,
		"gender":      string(c.Gender.orDefault()),
		"addedAt":     store.ServerTimestamp,
	}
}

func ContactFromDoc(d store.Doc) (Contact, error) {
	c := Contact{
		UID:         str(d.Data, "uid"),
		DisplayName: str(d.Data, "displayName"),
		Email:       str(d.Data, "email"),
		PhotoURL:    str(d.Data, "photoURL"),
		Gender:      Gender(str(d.Data, "gender")).orDefault(),
	}
	if c.UID == "" {
		c.UID = d.Key
	}
	c.AddedAt, _ = timeOf(d.Data["addedAt"])
	return c, nil
}

// MessageRequest is a pending consent request; UID is the sender.
type MessageRequest struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	Gender      Gender    `json:"gender"`
	Timestamp   time.Time `json:"timestamp"`
}

func RequestFrom(sender User) MessageRequest {
	return MessageRequest{
		UID:         sender.UID,
		DisplayName: sender.Name(),
		Email:       sender.Email,
		PhotoURL:    sender.PhotoURL,
		Gender:      sender.Gender.orDefault(),
	}
}

func (r MessageRequest) Data() store.Data {
	return store.Data{
		"uid":         r.UID,
		"displayName": r.DisplayName,
		"email":       r.Email,
		"photoURL":    r.PhotoURL,
		"gender":      string(r.Gender.orDefault()),
		"timestamp":   store.ServerTimestamp,
	}
}

// Contact is the edge the recipient gets when accepting the request.
func (r MessageRequest) Contact() Contact {
	return Contact{
		UID:         r.UID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		PhotoURL:    r.PhotoURL,
		Gender:      r.Gender.orDefault(),
	}
}

func RequestFromDoc(d store.Doc) (MessageRequest, error) {
	r := MessageRequest{
		UID:         str(d.Data, "uid"),
		DisplayName: str(d.Data, "displayName"),
		Email:       str(d.Data, "email"),
		PhotoURL:    str(d.Data, "photoURL"),
		Gender:      Gender(str(d.Data, "gender")).orDefault(),
	}
	if r.UID == "" {
		r.UID = d.Key
	}
	r.Timestamp, _ = timeOf(d.Data["timestamp"])
	return r, nil
}

type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seen       bool      `json:"seen"`
}

// Data stores a server timestamp unless the message already carries one.
func (m Message) Data() store.Data {
	data := store.Data{
		"senderId":  m.SenderID,
		"timestamp": store.ServerTimestamp,
		"seen":      m.Seen,
	}
	if !m.Timestamp.IsZero() {
		data["timestamp"] = m.Timestamp
	}
	if m.Text != "" {
		data["text"] = m.Text
	}
	if m.ImageURL != "" {
		data["imageUrl"] = m.ImageURL
	}
	if m.SenderName != "" {
		data["senderName"] = m.SenderName
	}
	return data
}

func MessageFromDoc(d store.Doc) (Message, error) {
	m := Message{
		ID:         d.Key,
		Text:       str(d.Data, "text"),
		ImageURL:   str(d.Data, "imageUrl"),
		SenderID:   str(d.Data, "senderId"),
		SenderName: str(d.Data, "senderName"),
	}
	// older private messages were written with "sender"
	if m.SenderID == "" {
		m.SenderID = str(d.Data, "sender")
	}
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("message %s has no sender", d.Key)
	}
	m.Timestamp, _ = timeOf(d.Data["timestamp"])
	m.Seen, _ = d.Data["seen"].(bool)
	return m, nil
}

type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

func (g Group) Data() store.Data {
	return store.Data{
		"name":      g.Name,
		"members":   append([]string(nil), g.Members...),
		"createdBy": g.CreatedBy,
	}
}

func (g Group) HasMember(uid string) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

func GroupFromDoc(d store.Doc) (Group, error) {
	return Group{
		ID:        d.Key,
		Name:      str(d.Data, "name"),
		Members:   strs(d.Data["members"]),
		CreatedBy: str(d.Data, "createdBy"),
	}, nil
}

func str(data store.Data, field string) string {
	s, _ := data[field].(string)
	return s
}

func strs(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, s := range vv {
			if s, ok := s.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// timeOf accepts native timestamps and the RFC 3339 strings of JSON-backed stores.
func timeOf(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}
