package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"meshgate/pkg/store"
)

// ErrKeyUnresolvable marks signing-key resolution failures: the key-set
// endpoint was unreachable, returned garbage, or does not carry the kid.
var ErrKeyUnresolvable = errors.New("signing key unresolvable")

type keyEntry struct {
	key        *rsa.PublicKey
	expiresAt  time.Time
	insertedAt time.Time
}

// KeySet caches public signing keys by key id. Entries expire after TTL and
// the cache holds at most MaxEntries keys. Concurrent misses for the same
// kid coalesce into one upstream fetch; when a shared cache is configured,
// gateway replicas also share the raw JWKS document through it.
type KeySet struct {
	URL        string
	Client     *http.Client
	TTL        time.Duration
	MaxEntries int
	Shared     store.Cache

	group singleflight.Group
	mu    sync.RWMutex
	keys  map[string]keyEntry
}

func NewKeySet(url string, client *http.Client) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KeySet{
		URL:        strings.TrimSpace(url),
		Client:     client,
		TTL:        5 * time.Minute,
		MaxEntries: 64,
		keys:       map[string]keyEntry{},
	}
}

// ResolveKey returns the public key for kid, fetching the key set on a miss.
func (ks *KeySet) ResolveKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, fmt.Errorf("%w: empty kid", ErrKeyUnresolvable)
	}
	now := time.Now().UTC()
	ks.mu.RLock()
	entry, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.key, nil
	}

	// Coalesce concurrent misses for one kid into a single fetch.
	v, err, _ := ks.group.Do(kid, func() (interface{}, error) {
		ks.mu.RLock()
		entry, ok := ks.keys[kid]
		ks.mu.RUnlock()
		if ok && time.Now().UTC().Before(entry.expiresAt) {
			return entry.key, nil
		}
		if err := ks.refresh(ctx); err != nil {
			return nil, err
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		entry, ok = ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q not in key set", ErrKeyUnresolvable, kid)
		}
		return entry.key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (ks *KeySet) refresh(ctx context.Context) error {
	doc, err := ks.fetchDocument(ctx)
	if err != nil {
		return err
	}
	parsed, err := parseJWKS(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for kid, key := range parsed {
		inserted := now
		if prev, ok := ks.keys[kid]; ok {
			inserted = prev.insertedAt
		}
		ks.keys[kid] = keyEntry{key: key, expiresAt: now.Add(ks.TTL), insertedAt: inserted}
	}
	ks.evictLocked(now)
	return nil
}

// evictLocked drops expired entries first, then the oldest inserted until
// the cache fits MaxEntries.
func (ks *KeySet) evictLocked(now time.Time) {
	for kid, entry := range ks.keys {
		if now.After(entry.expiresAt) {
			delete(ks.keys, kid)
		}
	}
	if ks.MaxEntries <= 0 || len(ks.keys) <= ks.MaxEntries {
		return
	}
	type aged struct {
		kid        string
		insertedAt time.Time
	}
	entries := make([]aged, 0, len(ks.keys))
	for kid, entry := range ks.keys {
		entries = append(entries, aged{kid: kid, insertedAt: entry.insertedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].insertedAt.Before(entries[j].insertedAt) })
	for _, e := range entries[:len(ks.keys)-ks.MaxEntries] {
		delete(ks.keys, e.kid)
	}
}

func (ks *KeySet) fetchDocument(ctx context.Context) ([]byte, error) {
	if ks.URL == "" {
		return nil, fmt.Errorf("%w: key-set url not configured", ErrKeyUnresolvable)
	}
	cacheKey := "jwks:doc:" + ks.URL
	if ks.Shared != nil {
		if raw, err := ks.Shared.Get(ctx, cacheKey); err == nil && raw != "" {
			return []byte(raw), nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	resp, err := ks.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key-set endpoint returned %d", ErrKeyUnresolvable, resp.StatusCode)
	}
	doc, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	if ks.Shared != nil {
		_ = ks.Shared.Set(ctx, cacheKey, string(doc), ks.TTL)
	}
	return doc, nil
}

func parseJWKS(doc []byte) (map[string]*rsa.PublicKey, error) {
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	out := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		out[k.Kid] = pub
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: key set has no usable rsa keys", ErrKeyUnresolvable)
	}
	return out, nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
