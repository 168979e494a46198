package job

import (
	"context"
	"sort"

	"jobqueue-platform/internal/coord"
)

// TenantRegistry 已知租户集合；Worker 轮转与对账遍历都从这里取租户列表
type TenantRegistry struct {
	store coord.Store
	keys  Keyspace
}

func NewTenantRegistry(store coord.Store, opts Options) *TenantRegistry {
	opts = opts.withDefaults()
	return &TenantRegistry{store: store, keys: opts.Keys}
}

func (r *TenantRegistry) Register(ctx context.Context, tenantID string) error {
	return r.store.SAdd(ctx, r.keys.Tenants(), tenantID)
}

func (r *TenantRegistry) Remove(ctx context.Context, tenantID string) error {
	return r.store.SRem(ctx, r.keys.Tenants(), tenantID)
}

// List 按字典序返回，保证轮转顺序稳定
func (r *TenantRegistry) List(ctx context.Context) ([]string, error) {
	tenants, err := r.store.SMembers(ctx, r.keys.Tenants())
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	return tenants, nil
}
