// Package auth maps API keys to trader identities.
//
// A key has the form "<keyID>.<secret>". Only a bcrypt hash of the secret
// is kept, so a leaked key file does not leak usable keys.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/exchange/pkg/app/core/engine"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrDuplicate     = errors.New("trader already registered")
	ErrInvalidName   = errors.New("name is required")
	ErrUnknownTrader = errors.New("trader not found")
	ErrSelfRevoke    = errors.New("cannot revoke your own access")
)

// Key is one issued API key. The secret itself is never stored.
type Key struct {
	KeyID      string `yaml:"key_id" json:"keyId"`
	SecretHash string `yaml:"secret_hash" json:"secretHash"`
	Trader     string `yaml:"trader" json:"trader"`
	Name       string `yaml:"name" json:"name,omitempty"`
	Admin      bool   `yaml:"admin" json:"admin,omitempty"`
}

// Trader is the public profile behind one or more keys.
type Trader struct {
	TraderID string   `json:"traderId"`
	Name     string   `json:"name,omitempty"`
	Admin    bool     `json:"admin"`
	KeyIDs   []string `json:"keyIds"`
}

// Store persists keys issued at runtime.
type Store interface {
	SaveKey(Key) error
	DeleteKey(keyID string) error
	LoadKeys() ([]Key, error)
}

type Directory struct {
	// Cost is the bcrypt cost for newly issued keys.
	Cost int

	mu     sync.RWMutex
	byKey  map[string]Key
	byName map[string]string // name -> key id
	store  Store

	// verified holds a keyed digest of each secret already checked against
	// its bcrypt hash.
	macKey   []byte
	verified map[string][]byte
}

func NewDirectory() *Directory {
	macKey := make([]byte, 32)
	if _, err := rand.Read(macKey); err != nil {
		panic(fmt.Sprintf("auth: read random: %v", err))
	}
	return &Directory{
		Cost:     bcrypt.DefaultCost,
		byKey:    make(map[string]Key),
		byName:   make(map[string]string),
		macKey:   macKey,
		verified: make(map[string][]byte),
	}
}

// Attach loads the persisted keys and writes every later Issue and Revoke
// through to store.
func (d *Directory) Attach(store Store) error {
	keys, err := store.LoadKeys()
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.add(k)
	}
	d.store = store
	return nil
}

// add indexes k. Callers hold mu.
func (d *Directory) add(k Key) {
	d.byKey[k.KeyID] = k
	if k.Name != "" {
		d.byName[k.Name] = k.KeyID
	}
}

// Register creates a new trader with a fresh id and returns its API key.
func (d *Directory) Register(name string, admin bool) (engine.Identity, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return engine.Identity{}, "", ErrInvalidName
	}
	d.mu.RLock()
	_, dup := d.byName[name]
	d.mu.RUnlock()
	if dup {
		return engine.Identity{}, "", fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	id := engine.Identity{TraderID: uuid.NewString(), Admin: admin}
	key, err := d.Issue(id, name)
	if err != nil {
		return engine.Identity{}, "", err
	}
	return id, key, nil
}

// Issue mints a new key for an existing identity.
func (d *Directory) Issue(id engine.Identity, name string) (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	secret := hex.EncodeToString(raw[:])

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), d.Cost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	k := Key{KeyID: keyID, SecretHash: string(hash), Trader: id.TraderID, Name: name, Admin: id.Admin}

	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		if _, dup := d.byName[name]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
	}
	if d.store != nil {
		if err := d.store.SaveKey(k); err != nil {
			return "", fmt.Errorf("persist api key: %w", err)
		}
	}
	d.add(k)
	return keyID + "." + secret, nil
}

func (d *Directory) digest(secret string) []byte {
	h, err := blake2b.New256(d.macKey)
	if err != nil {
		panic(fmt.Sprintf("auth: blake2b: %v", err))
	}
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// Authenticate resolves an API key to its identity.
func (d *Directory) Authenticate(apiKey string) (engine.Identity, error) {
	keyID, secret, ok := strings.Cut(apiKey, ".")
	if !ok || keyID == "" || secret == "" {
		return engine.Identity{}, ErrUnauthorized
	}

	d.mu.RLock()
	k, found := d.byKey[keyID]
	cached, seen := d.verified[keyID]
	d.mu.RUnlock()
	if !found {
		return engine.Identity{}, ErrUnauthorized
	}
	id := engine.Identity{TraderID: k.Trader, Admin: k.Admin}
	sum := d.digest(secret)
	if seen && subtle.ConstantTimeCompare(cached, sum) == 1 {
		return id, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)); err != nil {
		return engine.Identity{}, ErrUnauthorized
	}

	d.mu.Lock()
	if _, still := d.byKey[keyID]; still {
		d.verified[keyID] = sum
	}
	d.mu.Unlock()
	return id, nil
}

// Trader returns the profile of a trader with at least one key.
func (d *Directory) Trader(traderID string) (Trader, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trader(traderID)
}

// trader collects a profile. Callers hold mu.
func (d *Directory) trader(traderID string) (Trader, bool) {
	t := Trader{TraderID: traderID, KeyIDs: []string{}}
	for _, k := range d.byKey {
		if k.Trader != traderID {
			continue
		}
		t.KeyIDs = append(t.KeyIDs, k.KeyID)
		t.Admin = t.Admin || k.Admin
		if k.Name != "" {
			t.Name = k.Name
		}
	}
	sort.Strings(t.KeyIDs)
	return t, len(t.KeyIDs) > 0
}

// Revoke removes a key.
func (d *Directory) Revoke(keyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revoke(keyID)
}

// revoke drops one key. Callers hold mu.
func (d *Directory) revoke(keyID string) error {
	k, ok := d.byKey[keyID]
	if !ok {
		return nil
	}
	if d.store != nil {
		if err := d.store.DeleteKey(keyID); err != nil {
			return fmt.Errorf("delete api key %s: %w", keyID, err)
		}
	}
	if k.Name != "" && d.byName[k.Name] == keyID {
		delete(d.byName, k.Name)
	}
	delete(d.byKey, keyID)
	delete(d.verified, keyID)
	return nil
}

// RevokeTrader removes every key of traderID on behalf of requester and
// returns the profile as it was. Revoking yourself is refused.
func (d *Directory) RevokeTrader(traderID string, requester engine.Identity) (Trader, error) {
	if traderID == requester.TraderID {
		return Trader{}, ErrSelfRevoke
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trader(traderID)
	if !ok {
		return Trader{}, fmt.Errorf("%w: %s", ErrUnknownTrader, traderID)
	}
	for _, keyID := range t.KeyIDs {
		if err := d.revoke(keyID); err != nil {
			return Trader{}, err
		}
	}
	return t, nil
}

type keysFile struct {
	Keys []Key `yaml:"keys"`
}

// LoadFile adds pre-provisioned keys:
//
//	keys:
//	  - key_id: ops
//	    secret_hash: $2a$10$...
//	    trader: ops
//	    admin: true
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read api keys: %w", err)
	}
	var f keysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse api keys: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, k := range f.Keys {
		if k.KeyID == "" || k.Trader == "" || strings.Contains(k.KeyID, ".") {
			return fmt.Errorf("api key #%d: key_id and trader are required", i)
		}
		if _, err := bcrypt.Cost([]byte(k.SecretHash)); err != nil {
			return fmt.Errorf("api key %s: %w", k.KeyID, err)
		}
		d.add(k)
	}
	return nil
}
