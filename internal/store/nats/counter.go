// Package nats stores the board version counter in a JetStream key-value
// bucket.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

const DefaultKey = "board-version"

type Config struct {
	URLs         []string
	Bucket       string
	Key          string
	CreateBucket bool
}

// Counter is a domain.VersionCounter backed by a JetStream KV entry holding
// the decimal version.
type Counter struct {
	nc  *nats.Conn
	kv  nats.KeyValue
	key string
}

func NewCounter(cfg Config) (*Counter, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}

	nc, err := nats.Connect(strings.Join(cfg.URLs, ","))
	if err != nil {
		return nil, fmt.Errorf("nats.NewCounter: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats.NewCounter: jetstream: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if err != nil {
		if !cfg.CreateBucket {
			nc.Close()
			return nil, fmt.Errorf("nats.NewCounter: open bucket %q: %w", cfg.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats.NewCounter: create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Counter{nc: nc, kv: kv, key: cfg.Key}, nil
}

func (c *Counter) Close() {
	c.nc.Close()
}

func (c *Counter) Get(_ context.Context) (int64, bool, error) {
	entry, err := c.kv.Get(c.key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("nats.Counter.Get: %w", err)
	}

	v, err := decodeVersion(entry.Value())
	if err != nil {
		return 0, false, fmt.Errorf("nats.Counter.Get: %w", err)
	}
	return v, true, nil
}

func (c *Counter) Set(_ context.Context, value int64) error {
	if _, err := c.kv.Put(c.key, encodeVersion(value)); err != nil {
		return fmt.Errorf("nats.Counter.Set: %w", err)
	}
	return nil
}

func encodeVersion(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeVersion(b []byte) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode version %q: %w", b, err)
	}
	return v, nil
}
