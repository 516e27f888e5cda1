package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"guild-entitlements/internal/benefits"

	"go.etcd.io/bbolt"
)

const (
	bucketKeys         = "keys"
	bucketOwnerKeys    = "owner_keys"
	bucketBindings     = "bindings"
	bucketGuildKeys    = "guild_keys"
	bucketEntitlements = "entitlements"
	bucketOverrides    = "overrides"
	bucketTokens       = "custom_tokens"
	bucketPreferences  = "preferences"
)

var allBuckets = []string{
	bucketKeys,
	bucketOwnerKeys,
	bucketBindings,
	bucketGuildKeys,
	bucketEntitlements,
	bucketOverrides,
	bucketTokens,
	bucketPreferences,
}

// BBoltStore keeps every table in one bbolt file. Each exported method runs
// in a single bbolt transaction.
type BBoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BBoltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// InsertKey stores key as a new row and assigns its sequence. Class, Owner
// and Value come from the caller.
func (s *BBoltStore) InsertKey(ctx context.Context, key LicenseKey) (LicenseKey, error) {
	key.Value = strings.TrimSpace(key.Value)
	if key.Value == "" {
		return LicenseKey{}, fmt.Errorf("key value is required")
	}
	if !key.Class.Valid() {
		return LicenseKey{}, fmt.Errorf("invalid key class %q", key.Class)
	}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		if b.Get([]byte(key.Value)) != nil {
			return ErrKeyCollision
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key.Sequence = seq
		key.CreatedAt = s.now()
		if err := putKey(tx, key); err != nil {
			return err
		}
		owned, err := tx.Bucket([]byte(bucketOwnerKeys)).CreateBucketIfNotExists(itob(uint64(key.Owner)))
		if err != nil {
			return err
		}
		return owned.Put(itob(seq), []byte(key.Value))
	})
	if err != nil {
		return LicenseKey{}, err
	}
	return key, nil
}

func (s *BBoltStore) GetKey(ctx context.Context, value string) (LicenseKey, error) {
	var key LicenseKey
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		key, err = getKey(tx, value)
		return err
	})
	return key, err
}

// ListOwnerKeys returns owner's keys oldest-first with their bindings.
func (s *BBoltStore) ListOwnerKeys(ctx context.Context, owner UserID) ([]KeyInfo, error) {
	var out []KeyInfo
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		keys, err := ownerKeys(tx, owner)
		if err != nil {
			return err
		}
		out = make([]KeyInfo, 0, len(keys))
		for _, k := range keys {
			guild, bound := bindingOf(tx, k.Value)
			out = append(out, KeyInfo{LicenseKey: k, Guild: guild, Bound: bound})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteKey removes the key only when owner matches, along with its
// binding. It reports the guild the key was bound to.
func (s *BBoltStore) DeleteKey(ctx context.Context, owner UserID, value string) (bool, *GuildID, error) {
	var (
		deleted bool
		bound   *GuildID
	)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		key, err := getKey(tx, value)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if key.Owner != owner {
			return nil
		}
		if err := tx.Bucket([]byte(bucketKeys)).Delete([]byte(value)); err != nil {
			return err
		}
		if owned := tx.Bucket([]byte(bucketOwnerKeys)).Bucket(itob(uint64(owner))); owned != nil {
			if err := owned.Delete(itob(key.Sequence)); err != nil {
				return err
			}
		}
		deleted = true
		if guild, ok := bindingOf(tx, value); ok {
			if err := deleteBinding(tx, guild, value); err != nil {
				return err
			}
			bound = &guild
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return deleted, bound, nil
}

func (s *BBoltStore) SetKeyDisabled(ctx context.Context, value string, disabled bool) (KeyInfo, error) {
	var info KeyInfo
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		key, err := getKey(tx, value)
		if err != nil {
			return err
		}
		key.Disabled = disabled
		if err := putKey(tx, key); err != nil {
			return err
		}
		guild, bound := bindingOf(tx, value)
		info = KeyInfo{LicenseKey: key, Guild: guild, Bound: bound}
		return nil
	})
	return info, err
}

// ReconcileOwnerKeys reads owner's keys, asks decide for the desired
// disabled flags and writes the differences, all in one write transaction.
func (s *BBoltStore) ReconcileOwnerKeys(ctx context.Context, owner UserID, decide DecideFunc) ([]KeyChange, error) {
	var changes []KeyChange
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		changes = nil
		keys, err := ownerKeys(tx, owner)
		if err != nil {
			return err
		}
		want := decide(keys)
		if len(want) != len(keys) {
			return fmt.Errorf("reconcile: decided %d keys, have %d", len(want), len(keys))
		}
		for i, key := range keys {
			if key.Disabled == want[i] {
				continue
			}
			key.Disabled = want[i]
			if err := putKey(tx, key); err != nil {
				return err
			}
			guild, bound := bindingOf(tx, key.Value)
			changes = append(changes, KeyChange{Key: key, Guild: guild, Bound: bound})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// BindKey binds an existing, enabled, unbound key to guild.
func (s *BBoltStore) BindKey(ctx context.Context, value string, guild GuildID) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		key, err := getKey(tx, value)
		if err != nil {
			return err
		}
		if key.Disabled {
			return ErrKeyDisabled
		}
		bindings := tx.Bucket([]byte(bucketBindings))
		if bindings.Get([]byte(value)) != nil {
			return ErrKeyInUse
		}
		if err := bindings.Put([]byte(value), itob(uint64(guild))); err != nil {
			return err
		}
		held, err := tx.Bucket([]byte(bucketGuildKeys)).CreateBucketIfNotExists(itob(uint64(guild)))
		if err != nil {
			return err
		}
		return held.Put([]byte(value), []byte{})
	})
}

// UnbindKey removes the binding only if it points at guild.
func (s *BBoltStore) UnbindKey(ctx context.Context, guild GuildID, value string) (bool, error) {
	var removed bool
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		bound, ok := bindingOf(tx, value)
		if !ok || bound != guild {
			return nil
		}
		removed = true
		return deleteBinding(tx, guild, value)
	})
	return removed, err
}

// EnabledGuildKeys returns the enabled keys bound to guild.
func (s *BBoltStore) EnabledGuildKeys(ctx context.Context, guild GuildID) ([]LicenseKey, error) {
	var out []LicenseKey
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		held := tx.Bucket([]byte(bucketGuildKeys)).Bucket(itob(uint64(guild)))
		if held == nil {
			return nil
		}
		return held.ForEach(func(k, _ []byte) error {
			key, err := getKey(tx, string(k))
			if err == ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			if !key.Disabled {
				out = append(out, key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// GuildEntitlement returns the stored state, or the zero state for guild.
func (s *BBoltStore) GuildEntitlement(ctx context.Context, guild GuildID) (GuildEntitlement, error) {
	ent := GuildEntitlement{Guild: guild}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketEntitlements)).Get(itob(uint64(guild)))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ent)
	})
	return ent, err
}

func (s *BBoltStore) PutGuildEntitlement(ctx context.Context, ent GuildEntitlement) error {
	ent.UpdatedAt = s.now()
	buf, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketEntitlements)).Put(itob(uint64(ent.Guild)), buf)
	})
}

func (s *BBoltStore) LimitOverride(ctx context.Context, guild GuildID, benefit string) (benefits.Value, bool, error) {
	var (
		value benefits.Value
		found bool
	)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverrides)).Bucket(itob(uint64(guild)))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(benefit))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &value)
	})
	return value, found, err
}

// SetLimitOverride stores value for (guild, benefit); a nil value clears it.
func (s *BBoltStore) SetLimitOverride(ctx context.Context, guild GuildID, benefit string, value *benefits.Value) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketOverrides))
		if value == nil {
			b := root.Bucket(itob(uint64(guild)))
			if b == nil {
				return nil
			}
			return b.Delete([]byte(benefit))
		}
		b, err := root.CreateBucketIfNotExists(itob(uint64(guild)))
		if err != nil {
			return err
		}
		buf, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return b.Put([]byte(benefit), buf)
	})
}

func (s *BBoltStore) LimitOverrides(ctx context.Context, guild GuildID) (map[string]benefits.Value, error) {
	out := make(map[string]benefits.Value)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOverrides)).Bucket(itob(uint64(guild)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var value benefits.Value
			if err := json.Unmarshal(v, &value); err != nil {
				return err
			}
			out[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BBoltStore) CustomToken(ctx context.Context, guild GuildID) (string, bool, error) {
	var (
		token string
		found bool
	)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketTokens)).Get(itob(uint64(guild))); v != nil {
			token, found = string(v), true
		}
		return nil
	})
	return token, found, err
}

func (s *BBoltStore) SetCustomToken(ctx context.Context, guild GuildID, token string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).Put(itob(uint64(guild)), []byte(token))
	})
}

func (s *BBoltStore) DeleteCustomToken(ctx context.Context, guild GuildID) (bool, error) {
	var existed bool
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTokens))
		existed = b.Get(itob(uint64(guild))) != nil
		return b.Delete(itob(uint64(guild)))
	})
	return existed, err
}

func (s *BBoltStore) Preferences(ctx context.Context, user UserID) (UserPreferences, error) {
	var prefs UserPreferences
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketPreferences)).Get(itob(uint64(user)))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &prefs)
	})
	return prefs, err
}

func (s *BBoltStore) SetPreferences(ctx context.Context, user UserID, prefs UserPreferences) error {
	buf, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPreferences)).Put(itob(uint64(user)), buf)
	})
}

func getKey(tx *bbolt.Tx, value string) (LicenseKey, error) {
	v := tx.Bucket([]byte(bucketKeys)).Get([]byte(value))
	if v == nil {
		return LicenseKey{}, ErrNotFound
	}
	var key LicenseKey
	if err := json.Unmarshal(v, &key); err != nil {
		return LicenseKey{}, err
	}
	return key, nil
}

func putKey(tx *bbolt.Tx, key LicenseKey) error {
	buf, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketKeys)).Put([]byte(key.Value), buf)
}

// ownerKeys walks the owner index, which is keyed by big-endian sequence,
// so the result is oldest-first.
func ownerKeys(tx *bbolt.Tx, owner UserID) ([]LicenseKey, error) {
	owned := tx.Bucket([]byte(bucketOwnerKeys)).Bucket(itob(uint64(owner)))
	if owned == nil {
		return nil, nil
	}
	var keys []LicenseKey
	err := owned.ForEach(func(_, v []byte) error {
		key, err := getKey(tx, string(v))
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func bindingOf(tx *bbolt.Tx, value string) (GuildID, bool) {
	v := tx.Bucket([]byte(bucketBindings)).Get([]byte(value))
	if len(v) != 8 {
		return 0, false
	}
	return GuildID(binary.BigEndian.Uint64(v)), true
}

func deleteBinding(tx *bbolt.Tx, guild GuildID, value string) error {
	if err := tx.Bucket([]byte(bucketBindings)).Delete([]byte(value)); err != nil {
		return err
	}
	held := tx.Bucket([]byte(bucketGuildKeys)).Bucket(itob(uint64(guild)))
	if held == nil {
		return nil
	}
	return held.Delete([]byte(value))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
