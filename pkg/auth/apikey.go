package auth

import (
	"crypto/subtle"
	"strings"
)

// APIKeyStore maps static API keys to service-account names. Keys are loaded
// once at startup from configuration; there is no runtime mutation.
type APIKeyStore struct {
	keys map[string]string
}

// NewAPIKeyStore parses "key1:clientA,key2:clientB". Entries without a client
// name take the name "service".
func NewAPIKeyStore(spec string) *APIKeyStore {
	s := &APIKeyStore{keys: map[string]string{}}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, found := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		client = strings.TrimSpace(client)
		if !found || client == "" {
			client = "service"
		}
		s.keys[key] = client
	}
	return s
}

func (s *APIKeyStore) Empty() bool { return s == nil || len(s.keys) == 0 }

// Authenticate resolves an API key to its synthetic service principal.
// Comparison is constant time per candidate key.
func (s *APIKeyStore) Authenticate(presented string) (Principal, *Error) {
	presented = strings.TrimSpace(presented)
	if presented == "" || s.Empty() {
		return Principal{}, newError(CodeInvalidAPIKey, "unknown api key", nil)
	}
	for key, client := range s.keys {
		if len(key) == len(presented) && subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return Principal{
				Subject:     "svc:" + client,
				Name:        client,
				Roles:       []string{"service"},
				Permissions: []string{"read", "write"},
			}, nil
		}
	}
	return Principal{}, newError(CodeInvalidAPIKey, "unknown api key", nil)
}
