package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticClientStore serves clients configured at startup.
type StaticClientStore struct {
	clients map[string]*Client
}

func NewStaticClientStore(clients ...*Client) *StaticClientStore {
	s := &StaticClientStore{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

func (s *StaticClientStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// ParseClients reads "id:bcrypt-hash:scope,scope@account,account" entries
// separated by ';'. The scope and account lists are optional.
func ParseClients(spec string) ([]*Client, error) {
	var out []*Client
	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid client entry %q", raw)
		}
		c := &Client{ID: parts[0], SecretHash: parts[1]}
		if len(parts) == 3 {
			scopes, accounts, _ := strings.Cut(parts[2], "@")
			c.Scopes = splitList(scopes)
			c.Accounts = splitList(accounts)
		}
		out = append(out, c)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
