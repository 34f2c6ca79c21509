// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"os"
	"strings"

	"workflow-platform/pkg/errors"
)

var envKeyReplacer = strings.NewReplacer("/", "_", ".", "_", "-", "_")

// envStore KEY 转为环境变量名：大写，/ . - 替换为 _，再加前缀。
// 如 prefix 为 WFP_ 时 secret:postgres/dsn 读取 WFP_POSTGRES_DSN
type envStore struct {
	prefix string
}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

func (e *envStore) Get(_ context.Context, key string) (string, error) {
	name := e.varName(key)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", errors.NotFound("environment variable", name)
	}
	return value, nil
}

func (e *envStore) varName(key string) string {
	return e.prefix + strings.ToUpper(envKeyReplacer.Replace(key))
}
