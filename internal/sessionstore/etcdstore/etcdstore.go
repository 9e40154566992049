// Package etcdstore implements the session store backend on etcd, using
// transactions guarded by the key's modification revision.
package etcdstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
)

// scanPageSize bounds each range read in Scan.
var scanPageSize int64 = 256

// Config configures the etcd client.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Backend is a sessionstore.Backend on etcd.
type Backend struct {
	client *clientv3.Client
}

// New connects to etcd.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: etcd: %v", schema.ErrStoreUnavailable, err)
	}
	return &Backend{client: client}, nil
}

// Update implements sessionstore.Backend. An absent key is guarded by
// CreateRevision == 0, a present one by its ModRevision.
func (b *Backend) Update(ctx context.Context, key string, fn sessionstore.MutateFunc) error {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return classify(err)
	}
	var (
		current []byte
		exists  bool
		cmp     clientv3.Cmp
	)
	if len(resp.Kvs) > 0 {
		kv := resp.Kvs[0]
		current, exists = kv.Value, true
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
	} else {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}
	next, action, err := fn(current, exists)
	if err != nil {
		return err
	}
	var op clientv3.Op
	switch action {
	case sessionstore.Keep:
		return nil
	case sessionstore.Put:
		op = clientv3.OpPut(key, string(next))
	case sessionstore.Delete:
		op = clientv3.OpDelete(key)
	default:
		return errors.New("unknown update action")
	}
	txn, err := b.client.Txn(ctx).If(cmp).Then(op).Commit()
	if err != nil {
		return classify(err)
	}
	if !txn.Succeeded {
		return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
	}
	return nil
}

// Get implements sessionstore.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return nil, false, classify(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Scan implements sessionstore.Backend, paging through the prefix range.
func (b *Backend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	end := clientv3.GetPrefixRangeEnd(prefix)
	from := prefix
	for {
		resp, err := b.client.Get(ctx, from,
			clientv3.WithRange(end),
			clientv3.WithLimit(scanPageSize),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		)
		if err != nil {
			return classify(err)
		}
		for _, kv := range resp.Kvs {
			if err := fn(string(kv.Key), kv.Value); err != nil {
				return err
			}
		}
		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

// Ping implements sessionstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Get(ctx, "moorage-ping", clientv3.WithCountOnly()); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements sessionstore.Backend.
func (b *Backend) Close() error {
	return b.client.Close()
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: etcd: %v", schema.ErrStoreUnavailable, err)
}
