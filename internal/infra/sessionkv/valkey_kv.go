package sessionkv

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/playgrounded/internal/domain/localsignal"
)

// ValkeyKV persists signal maps in a Valkey-compatible database.
type ValkeyKV struct {
	client valkey.Client
}

// NewValkeyKV constructs a backend on top of an existing client.
func NewValkeyKV(client valkey.Client) *ValkeyKV {
	return &ValkeyKV{client: client}
}

func (s *ValkeyKV) Get(ctx context.Context, key string) (string, bool, error) {
	payload, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return payload, true, nil
}

func (s *ValkeyKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	builder := s.client.B().Set().Key(key).Value(value)
	var cmd valkey.Completed
	if ttl > 0 {
		if ttl < time.Second {
			ttl = time.Second
		}
		cmd = builder.Ex(ttl).Build()
	} else {
		cmd = builder.Build()
	}
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyKV) Delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}

// Ping verifies connectivity.
func (s *ValkeyKV) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

var _ localsignal.KV = (*ValkeyKV)(nil)
