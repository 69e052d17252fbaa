package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Namespace is prepended to every key written by the storage.
	Namespace string
}

// ValkeyStorage keeps one hash per store plus a set with the store names.
type ValkeyStorage struct {
	client    valkey.Client
	namespace string
}

type valkeyEntry struct {
	StoredAt time.Time `json:"storedAt"`
	Bytes    []byte    `json:"bytes"`
}

func NewValkeyStorage(cfg ValkeyConfig) (*ValkeyStorage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &ValkeyStorage{client: client, namespace: cfg.Namespace}, nil
}

func (v *ValkeyStorage) namesKey() string {
	return v.namespace + "stores"
}

func (v *ValkeyStorage) storeKey(name string) string {
	return v.namespace + "store:" + name
}

func (v *ValkeyStorage) Open(ctx context.Context, name string) (Store, error) {
	cmd := v.client.B().Sadd().Key(v.namesKey()).Member(name).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: valkey sadd: %w", err)
	}
	return valkeyStore{storage: v, key: v.storeKey(name)}, nil
}

func (v *ValkeyStorage) Names(ctx context.Context) ([]string, error) {
	names, err := v.client.Do(ctx, v.client.B().Smembers().Key(v.namesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (v *ValkeyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.storeKey(name)).Build()).Error(); err != nil {
		return false, fmt.Errorf("cache: valkey del: %w", err)
	}
	removed, err := v.client.Do(ctx, v.client.B().Srem().Key(v.namesKey()).Member(name).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey srem: %w", err)
	}
	return removed > 0, nil
}

func (v *ValkeyStorage) Close() error {
	v.client.Close()
	return nil
}

type valkeyStore struct {
	storage *ValkeyStorage
	key     string
}

func (s valkeyStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	client := s.storage.client
	payload, err := client.Do(ctx, client.B().Hget().Key(s.key).Field(key).Build()).AsBytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey hget: %w", err)
	}
	var stored valkeyEntry
	if err := json.Unmarshal(payload, &stored); err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	return Entry{Key: key, StoredAt: stored.StoredAt, Bytes: stored.Bytes}, true, nil
}

func (s valkeyStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

// PutAll writes every entry with a single HSET, which valkey applies atomically.
func (s valkeyStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	client := s.storage.client
	fields := client.B().Hset().Key(s.key).FieldValue()
	for _, entry := range entries {
		payload, err := json.Marshal(valkeyEntry{StoredAt: entry.StoredAt, Bytes: entry.Bytes})
		if err != nil {
			return fmt.Errorf("cache: valkey marshal: %w", err)
		}
		fields = fields.FieldValue(entry.Key, string(payload))
	}
	if err := client.Do(ctx, fields.Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey hset: %w", err)
	}
	return nil
}

func (s valkeyStore) Keys(ctx context.Context) ([]string, error) {
	client := s.storage.client
	keys, err := client.Do(ctx, client.B().Hkeys().Key(s.key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
