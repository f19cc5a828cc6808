package shm

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
)

// RedisArena is the cross-process Arena. Module rows live in a Redis
// hash; the generation counter and the swap-in of a mutated module set
// happen inside one MULTI/EXEC transaction, rejecting in-place edits so concurrent
// readers of other keys never observe a generation whose modules
// haven't landed yet, and torn reads never need per-entry locks.
type RedisArena struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisArena(rdb *redis.Client, namespace string) *RedisArena {
	if namespace == "" {
		namespace = "confcore"
	}
	return &RedisArena{rdb: rdb, prefix: namespace}
}

func (a *RedisArena) genKey() string     { return a.prefix + ":main:generation" }
func (a *RedisArena) modulesKey() string { return a.prefix + ":main:modules" }
func (a *RedisArena) extKey(module string) string {
	return a.prefix + ":ext:" + module
}

func (a *RedisArena) Generation(ctx context.Context) (uint64, error) {
	v, err := a.rdb.Get(ctx, a.genKey()).Uint64()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 0, errtax.New(errtax.System, "", "redis get generation: %v", err)
	}
	return v, nil
}

func (a *RedisArena) Modules(ctx context.Context) ([]*datamodel.Module, error) {
	raw, err := a.rdb.HGetAll(ctx, a.modulesKey()).Result()
	if err != nil {
		return nil, errtax.New(errtax.System, "", "redis hgetall modules: %v", err)
	}
	out := make([]*datamodel.Module, 0, len(raw))
	for _, v := range raw {
		var m datamodel.Module
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, errtax.New(errtax.Internal, "", "decode module row: %v", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (a *RedisArena) Module(ctx context.Context, name string) (*datamodel.Module, error) {
	raw, err := a.rdb.HGet(ctx, a.modulesKey(), name).Result()
	if err == redis.Nil {
		return nil, errtax.New(errtax.UnknownModule, name, "module %q is not installed", name)
	}
	if err != nil {
		return nil, errtax.New(errtax.System, name, "redis hget module: %v", err)
	}
	var m datamodel.Module
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errtax.New(errtax.Internal, name, "decode module row: %v", err)
	}
	return &m, nil
}

// PutModule is used for non-schema-affecting writes only (data-plane
// bookkeeping such as refreshing PluginID); schema-affecting changes go
// through BumpGeneration.
func (a *RedisArena) PutModule(ctx context.Context, m *datamodel.Module) error {
	if m == nil || m.Name == "" {
		return errtax.New(errtax.InvalidArgument, "", "module name must not be empty")
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return errtax.New(errtax.Internal, m.Name, "encode module row: %v", err)
	}
	if err := a.rdb.HSet(ctx, a.modulesKey(), m.Name, buf).Err(); err != nil {
		return errtax.New(errtax.System, m.Name, "redis hset module: %v", err)
	}
	return nil
}

func (a *RedisArena) RemoveModule(ctx context.Context, name string) error {
	n, err := a.rdb.HDel(ctx, a.modulesKey(), name).Result()
	if err != nil {
		return errtax.New(errtax.System, name, "redis hdel module: %v", err)
	}
	if n == 0 {
		return errtax.New(errtax.UnknownModule, name, "module %q is not installed", name)
	}
	a.rdb.Del(ctx, a.extKey(name))
	return nil
}

// BumpGeneration atomically: reads every module hash field, lets the
// caller's Lua-side logic be emulated client-side (Redis Lua can't call
// back into Go), so instead we implement the "no torn read" guarantee by
// staging the mutated set under a shadow key and then swapping both the
// modules hash and the generation counter inside a single MULTI/EXEC —
// equivalent atomicity to a Lua script for this access pattern, and avoids
// shipping a Go closure across the Lua boundary.
func (a *RedisArena) BumpGeneration(ctx context.Context, mutate func(map[string]*datamodel.Module) error) (uint64, error) {
	current, err := a.Modules(ctx)
	if err != nil {
		return 0, err
	}
	snapshot := make(map[string]*datamodel.Module, len(current))
	for _, m := range current {
		snapshot[m.Name] = m
	}
	if mutate != nil {
		if err := mutate(snapshot); err != nil {
			return 0, err
		}
	}

	gen, err := a.Generation(ctx)
	if err != nil {
		return 0, err
	}
	gen++

	shadowKey := a.modulesKey() + ":staging"
	pipe := a.rdb.TxPipeline()
	pipe.Del(ctx, shadowKey)
	for name, m := range snapshot {
		m.Generation = gen
		buf, err := json.Marshal(m)
		if err != nil {
			return 0, errtax.New(errtax.Internal, name, "encode module row: %v", err)
		}
		pipe.HSet(ctx, shadowKey, name, buf)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errtax.New(errtax.System, "", "stage new generation: %v", err)
	}

	tx := a.rdb.TxPipeline()
	tx.Rename(ctx, shadowKey, a.modulesKey())
	tx.Set(ctx, a.genKey(), gen, 0)
	if _, err := tx.Exec(ctx); err != nil {
		return 0, errtax.New(errtax.System, "", "swap generation: %v", err)
	}
	return gen, nil
}

func (a *RedisArena) ExtPut(ctx context.Context, module, key string, blob []byte) error {
	if err := a.rdb.HSet(ctx, a.extKey(module), key, blob).Err(); err != nil {
		return errtax.New(errtax.System, key, "redis hset ext-shm: %v", err)
	}
	return nil
}

func (a *RedisArena) ExtGet(ctx context.Context, module, key string) ([]byte, error) {
	v, err := a.rdb.HGet(ctx, a.extKey(module), key).Bytes()
	if err == redis.Nil {
		return nil, errtax.New(errtax.NotFound, key, "ext-shm key %q not found for module %q", key, module)
	}
	if err != nil {
		return nil, errtax.New(errtax.System, key, "redis hget ext-shm: %v", err)
	}
	return v, nil
}

var _ Arena = (*RedisArena)(nil)
var _ Arena = (*MemoryArena)(nil)
