package signal

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

const defaultEtcdTimeout = 10 * time.Second

// EtcdStore keeps relay state in etcd, expiring keys through leases
type EtcdStore struct {
	logger *zap.Logger
	cl     *clientv3.Client
	prefix string
}

// NewEtcdStore connects to the etcd cluster at endpoints. All keys are
// stored under prefix.
func NewEtcdStore(logger *zap.Logger, endpoints []string, prefix string) (*EtcdStore, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultEtcdTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultEtcdTimeout)
	defer cancel()

	// Fail fast if the cluster is unreachable
	if _, err := etcdClient.Get(ctx, prefix+"ping"); err != nil {
		etcdClient.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	logger.Info("Connected to etcd",
		zap.Strings("endpoints", endpoints),
		zap.String("prefix", prefix))

	return &EtcdStore{
		logger: logger,
		cl:     etcdClient,
		prefix: prefix,
	}, nil
}

// Put implements Store. The key is attached to a fresh lease of ttl.
func (s *EtcdStore) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := s.cl.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	if _, err := s.cl.Put(ctx, s.prefix+key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Get implements Store
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.cl.Get(ctx, s.prefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Delete implements Store
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := s.cl.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Take implements Taker with a single delete that returns the previous value
func (s *EtcdStore) Take(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.cl.Delete(ctx, s.prefix+key, clientv3.WithPrevKV())
	if err != nil {
		return nil, false, fmt.Errorf("failed to take key: %w", err)
	}
	if len(resp.PrevKvs) == 0 {
		return nil, false, nil
	}
	return resp.PrevKvs[0].Value, true, nil
}

// Close releases the etcd connection
func (s *EtcdStore) Close() error {
	return s.cl.Close()
}
