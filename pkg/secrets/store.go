// Copyright 2026 fanjia1024
// Secret management abstraction

// Package secrets 解析配置中以 "secret:" 开头的引用（连接串、密码等）
package secrets

import (
	"context"
	"strings"

	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
)

// RefPrefix 配置值以此开头时按 key 从 Store 取值
const RefPrefix = "secret:"

// Store 按 key 读取 secret；不存在时返回 NotFoundError
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// NewStore 按 provider 创建 Store：env（默认）| memory | vault
func NewStore(ctx context.Context, cfg config.SecretsConfig) (Store, error) {
	switch cfg.Provider {
	case "", "env":
		return NewEnvStore(cfg.EnvPrefix), nil
	case "memory":
		return NewMemoryStore(cfg.Values), nil
	case "vault":
		return NewVaultStore(ctx, cfg.Vault)
	default:
		return nil, errors.Validationf("secrets.provider", "unsupported secret provider %q", cfg.Provider)
	}
}

// Resolve value 为 "secret:KEY" 时返回 Store 中 KEY 的值，否则原样返回
func Resolve(ctx context.Context, s Store, value string) (string, error) {
	key, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if key == "" {
		return "", errors.Validation("secret", "empty secret reference")
	}
	v, err := s.Get(ctx, key)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, errors.ErrNotFound):
		return "", err
	default:
		return "", errors.TransientStore("resolve secret "+key, err)
	}
}
