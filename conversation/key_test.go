package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
	}{
		{
			name:     "sorted pair",
			a:        "alice",
			b:        "bob",
			expected: "alice_bob",
		},
		{
			name:     "reversed pair",
			a:        "bob",
			b:        "alice",
			expected: "alice_bob",
		},
		{
			name:     "firebase uids",
			a:        "ZxQ3pA9",
			b:        "Ab12cd",
			expected: "Ab12cd_ZxQ3pA9",
		},
		{
			name:     "separator inside id",
			a:        "a_b",
			b:        "c",
			expected: "a%5Fb_c",
		},
		{
			name:     "path delimiter inside id",
			a:        "x/y",
			b:        "z",
			expected: "x%2Fy_z",
		},
		{
			name:     "same user",
			a:        "u1",
			b:        "u1",
			expected: "u1_u1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Key(tt.a, tt.b))
			assert.Equal(t, Key(tt.a, tt.b), Key(tt.b, tt.a))
		})
	}
}

func TestKeyNoCollisions(t *testing.T) {
	pairs := [][2]string{
		{"7", "89"},
		{"78", "9"},
		{"a_b", "c"},
		{"a", "b_c"},
		{"a%5Fb", "c"},
		{"a", "b"},
		{"a", "c"},
		{"", "a_"},
		{"_a", ""},
	}
	seen := map[string][2]string{}
	for _, p := range pairs {
		k := Key(p[0], p[1])
		if prev, ok := seen[k]; ok {
			t.Fatalf("Key(%q, %q) collides with Key(%q, %q): %q", p[0], p[1], prev[0], prev[1], k)
		}
		seen[k] = p
	}
}

func TestRef(t *testing.T) {
	p := Private("bob", "alice")
	assert.Equal(t, KindPrivate, p.Kind())
	assert.Equal(t, "alice_bob", p.ID())
	assert.Equal(t, "privateMessages/alice_bob/messages", p.Collection())
	assert.True(t, p.Participant("alice"))
	assert.True(t, p.Participant("bob"))
	assert.False(t, p.Participant("carol"))
	assert.Equal(t, Private("alice", "bob"), p)

	peer, ok := p.Peer("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", peer)
	_, ok = p.Peer("carol")
	assert.False(t, ok)

	g := Group("g1")
	assert.Equal(t, KindGroup, g.Kind())
	assert.Equal(t, "g1", g.ID())
	assert.Equal(t, "groupMessages/g1/messages", g.Collection())
	assert.False(t, g.Participant("alice"))
}
