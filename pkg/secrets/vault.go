// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
)

type vaultStore struct {
	client    *vault.Client
	mount     string
	kvVersion int
	field     string
}

// NewVaultStore 创建 Vault secret store 并检查连通性。
// 引用形如 secret:db/postgres#dsn，未写 #field 时读取 cfg.Field
func NewVaultStore(ctx context.Context, cfg config.VaultConfig) (Store, error) {
	s := &vaultStore{mount: "secret", kvVersion: 2, field: "value"}
	if cfg.Mount != "" {
		s.mount = strings.Trim(cfg.Mount, "/")
	}
	if cfg.Field != "" {
		s.field = cfg.Field
	}
	switch cfg.KVVersion {
	case 0, 2:
	case 1:
		s.kvVersion = 1
	default:
		return nil, errors.Validationf("secrets.vault.kv_version", "unsupported kv version %d", cfg.KVVersion)
	}

	vc := vault.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("读取 Vault 环境配置失败: %w", vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("创建 Vault 客户端失败: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().HealthWithContext(ctx); err != nil {
		return nil, errors.TransientStore("vault health", err)
	}
	s.client = client
	return s, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = v.field
	}
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(path))
	if err != nil {
		return "", fmt.Errorf("读取 Vault secret %s 失败: %w", path, err)
	}
	if secret == nil {
		return "", errors.NotFound("vault secret", path)
	}
	data := secret.Data
	if v.kvVersion == 2 {
		data, _ = secret.Data["data"].(map[string]any)
	}
	value, ok := data[field].(string)
	if !ok {
		return "", errors.NotFound("vault secret field", path+"#"+field)
	}
	return value, nil
}

// dataPath KV v2 的读取路径为 <mount>/data/<path>
func (v *vaultStore) dataPath(path string) string {
	path = strings.Trim(path, "/")
	if v.kvVersion == 2 {
		return v.mount + "/data/" + path
	}
	return v.mount + "/" + path
}
