// Copyright 2026 fanjia1024
// In-memory secret store (tests and local runs)

package secrets

import (
	"context"
	"maps"

	"workflow-platform/pkg/errors"
)

// memoryStore 创建后只读，取值来自 secrets.values
type memoryStore struct {
	values map[string]string
}

// NewMemoryStore 以固定取值创建 secret store
func NewMemoryStore(values map[string]string) Store {
	return &memoryStore{values: maps.Clone(values)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	value, ok := m.values[key]
	if !ok {
		return "", errors.NotFound("secret", key)
	}
	return value, nil
}
