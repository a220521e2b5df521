package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 用途：
//   1. 批处理运行锁 —— 同一个任务同一个业务日只允许一个实例在跑
//      （定时触发和后台手动触发可能撞在一起，多实例部署时也一样）
//   2. 冲正锁 —— 同一笔流水的冲正请求串行执行
//
// 加锁：SET key value NX EX timeout
//   - value 使用运行ID/请求ID，释放时校验，避免误删别人的锁
//
// 释放：Lua 脚本原子地 "比较 value + 删除"
//
// 钱包余额的并发安全不依赖这里，由数据库行锁 + 原子自增保证。
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

const refreshScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Unlocker 已持有的锁
type Unlocker interface {
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Refresh 续期，长时间运行的批处理在处理过程中调用
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.value, l.expiration.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// RedisLocker 按 key 获取锁的工厂
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Obtain 非阻塞获取锁；锁被占用时返回 ErrLockFailed
func (r *RedisLocker) Obtain(ctx context.Context, key, owner string, ttl time.Duration) (Unlocker, error) {
	l := NewDistributedLock(r.client, key, owner, ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("加锁失败: %w", err)
	}
	if !ok {
		return nil, ErrLockFailed
	}
	return l, nil
}

// Wait 阻塞获取锁
func (r *RedisLocker) Wait(ctx context.Context, key, owner string, ttl time.Duration) (Unlocker, error) {
	l := NewDistributedLock(r.client, key, owner, ttl)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}
	return l, nil
}

// RunLockKey 批处理运行锁：任务名 + 业务日
func RunLockKey(job, dayKey string) string {
	return fmt.Sprintf("income:run:%s:%s", job, dayKey)
}

// ReversalLockKey 冲正锁：按流水号
func ReversalLockKey(incomeNo string) string {
	return fmt.Sprintf("income:reverse:%s", incomeNo)
}
