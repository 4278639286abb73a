// Package cache 提供 Redis 客户端封装与基于 SetNX 的租约，用于后台任务的单实例执行
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

// Config Redis 配置
type Config struct {
	Host        string
	Port        int
	Password    string
	DB          int
	MaxPoolSize int
	ConnTimeout int
}

// RedisCache Redis 缓存实现
type RedisCache struct {
	client *redis.Client
	config Config
}

// New 创建 Redis 缓存实例
func New(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnTimeout)*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(context.Background(), "Redis connected successfully",
		"addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	return &RedisCache{client: client, config: cfg}, nil
}

// Get 获取缓存值；key 不存在时返回空字符串
func (rc *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		logger.Error(ctx, "Redis Get failed", "key", key, "error", err)
		return "", err
	}
	return val, nil
}

// Set 设置缓存值
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := rc.client.Set(ctx, key, value, expiration).Err(); err != nil {
		logger.Error(ctx, "Redis Set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetNX 仅当 key 不存在时设置值（用于分布式锁/租约）
func (rc *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error(ctx, "Redis SetNX failed", "key", key, "error", err)
	}
	return ok, err
}

// Delete 删除缓存
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return rc.client.Del(ctx, keys...).Err()
}

// Close 关闭连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// GetClient 返回底层客户端
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}

// LeaseHolder 租约持有者接口，后台清扫任务通过它保证至多一个实例在跑
type LeaseHolder interface {
	// TryAcquire 尝试获取租约，返回是否获取成功
	TryAcquire(ctx context.Context) (bool, error)
	// Release 释放租约（仅释放自己持有的）
	Release(ctx context.Context) error
}

// Lease 基于 Redis SetNX 的租约实现
type Lease struct {
	cache *RedisCache
	key   string
	owner string
	ttl   time.Duration
}

// NewLease 创建租约。owner 需全局唯一（通常为实例 ID）
func NewLease(cache *RedisCache, key, owner string, ttl time.Duration) *Lease {
	return &Lease{cache: cache, key: key, owner: owner, ttl: ttl}
}

// TryAcquire 尝试获取租约；已被其他实例持有时返回 false
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.cache.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// 自己持有的租约允许续期
	cur, err := l.cache.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	if cur == l.owner {
		return true, l.cache.Set(ctx, l.key, l.owner, l.ttl)
	}
	return false, nil
}

// Release 释放自己持有的租约
func (l *Lease) Release(ctx context.Context) error {
	cur, err := l.cache.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if cur != l.owner {
		return nil
	}
	return l.cache.Delete(ctx, l.key)
}
