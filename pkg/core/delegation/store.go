package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// Grant 授予方把个人私钥密封给被授予方后留下的记录
type Grant struct {
	Grantor   identity.Identity `json:"grantor"`
	Grantee   identity.Identity `json:"grantee"`
	KeyID     string            `json:"key_id"`
	Sealed    []byte            `json:"sealed"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store 授权记录的持久化接口。同一 (grantor, grantee) 只保留最新一条
type Store interface {
	Put(ctx context.Context, g *Grant) error
	Get(ctx context.Context, grantor, grantee identity.Identity) (*Grant, error)
	Delete(ctx context.Context, grantor, grantee identity.Identity) error
	Close() error
}

// NewStore 按配置选择存储后端
func NewStore(cfg config.DelegationConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, xerrors.Errorf("未知的授权存储后端: %s", cfg.Backend)
	}
}

// grantKey 记录键。授予方带长度前缀，身份中含 "|" 时也不会与其他组合冲突
func grantKey(grantor, grantee identity.Identity) string {
	return fmt.Sprintf("%d:%s|%s", len(grantor), grantor, grantee)
}

// MemoryStore 以内存方式保存授权记录，单节点与测试使用
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryStore 创建 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

// Put 实现 Store 接口
func (m *MemoryStore) Put(_ context.Context, g *Grant) error {
	if g == nil || g.Grantor == "" || g.Grantee == "" {
		return xerrors.New("授权记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *g
	clone.Sealed = append([]byte(nil), g.Sealed...)
	m.grants[grantKey(g.Grantor, g.Grantee)] = clone
	return nil
}

// Get 实现 Store 接口
func (m *MemoryStore) Get(_ context.Context, grantor, grantee identity.Identity) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[grantKey(grantor, grantee)]
	if !ok {
		return nil, xerrors.Errorf("%s -> %s: %w", grantor, grantee, errs.ErrNoGrant)
	}
	g.Sealed = append([]byte(nil), g.Sealed...)
	return &g, nil
}

// Delete 实现 Store 接口
func (m *MemoryStore) Delete(_ context.Context, grantor, grantee identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := grantKey(grantor, grantee)
	if _, ok := m.grants[k]; !ok {
		return xerrors.Errorf("%s -> %s: %w", grantor, grantee, errs.ErrNoGrant)
	}
	delete(m.grants, k)
	return nil
}

// Close 实现 Store 接口
func (m *MemoryStore) Close() error { return nil }

// RedisStore 将授权记录以 JSON 存入 Redis，多个节点共享
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并检查可用性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fog:grant:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) key(grantor, grantee identity.Identity) string {
	return r.prefix + grantKey(grantor, grantee)
}

// Put 实现 Store 接口
func (r *RedisStore) Put(ctx context.Context, g *Grant) error {
	if g == nil || g.Grantor == "" || g.Grantee == "" {
		return xerrors.New("授权记录不完整")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return xerrors.Errorf("序列化授权记录失败: %v", err)
	}
	if err := r.client.Set(ctx, r.key(g.Grantor, g.Grantee), data, 0).Err(); err != nil {
		return xerrors.Errorf("Redis 写入授权失败: %w", err)
	}
	return nil
}

// Get 实现 Store 接口
func (r *RedisStore) Get(ctx context.Context, grantor, grantee identity.Identity) (*Grant, error) {
	data, err := r.client.Get(ctx, r.key(grantor, grantee)).Bytes()
	if err == redis.Nil {
		return nil, xerrors.Errorf("%s -> %s: %w", grantor, grantee, errs.ErrNoGrant)
	}
	if err != nil {
		return nil, xerrors.Errorf("Redis 读取授权失败: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, xerrors.Errorf("授权记录格式错误: %v", err)
	}
	return &g, nil
}

// Delete 实现 Store 接口
func (r *RedisStore) Delete(ctx context.Context, grantor, grantee identity.Identity) error {
	n, err := r.client.Del(ctx, r.key(grantor, grantee)).Result()
	if err != nil {
		return xerrors.Errorf("Redis 删除授权失败: %w", err)
	}
	if n == 0 {
		return xerrors.Errorf("%s -> %s: %w", grantor, grantee, errs.ErrNoGrant)
	}
	return nil
}

// Close 关闭 Redis 连接
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
