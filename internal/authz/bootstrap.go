package authz

import "fmt"

// RoleSeed 预置角色定义
type RoleSeed struct {
	Role     string
	Inherits []string
	Policies []Policy
}

// BuiltinRoleSeeds 系统预置角色矩阵
// 只读审计可查看全部账务数据；财务负责放款、退款与打款；对账员负责批次与回调重放；
// 授权管理员只能给操作员绑定预置角色
func BuiltinRoleSeeds() []RoleSeed {
	return []RoleSeed{
		{
			Role: "readonly_auditor",
			Policies: []Policy{
				{Object: "/admin/*", Action: "GET"},
			},
		},
		{
			Role:     "finance_operator",
			Inherits: []string{"readonly_auditor"},
			Policies: []Policy{
				{Object: "/admin/payments", Action: "POST"},
				{Object: "/admin/payments/:id/escrow", Action: "POST"},
				{Object: "/admin/payments/:id/release", Action: "POST"},
				{Object: "/admin/payments/:id/refund", Action: "POST"},
				{Object: "/admin/payouts/:id/mark-paid", Action: "POST"},
				{Object: "/admin/payouts/:id/transfer", Action: "POST"},
				{Object: "/admin/payouts/:id/fail", Action: "POST"},
			},
		},
		{
			Role:     "reconcile_operator",
			Inherits: []string{"readonly_auditor"},
			Policies: []Policy{
				{Object: "/admin/reconcile/recover", Action: "POST"},
				{Object: "/admin/reconcile/cleanup", Action: "POST"},
				{Object: "/admin/reconcile/release-due", Action: "POST"},
				{Object: "/admin/payments/:id/resolve-review", Action: "POST"},
				{Object: "/admin/webhook-deliveries/:id/replay", Action: "POST"},
			},
		},
		{
			Role: "access_admin",
			Policies: []Policy{
				{Object: "/admin/authz/*", Action: "GET"},
				{Object: "/admin/authz/operators/:subject/roles", Action: "PUT"},
			},
		},
	}
}

// BootstrapBuiltinRoles 按种子同步预置角色
// 种子之外残留的角色策略与继承关系会被移除
func (s *Service) BootstrapBuiltinRoles() error {
	if s == nil || s.enforcer == nil {
		return ErrUnavailable
	}

	for _, seed := range BuiltinRoleSeeds() {
		role, err := NormalizeRole(seed.Role)
		if err != nil {
			return err
		}

		wantParents := make(map[string]struct{}, len(seed.Inherits))
		for _, parent := range seed.Inherits {
			parentRole, err := NormalizeRole(parent)
			if err != nil {
				return err
			}
			wantParents[parentRole] = struct{}{}
			if _, err := s.enforcer.AddNamedGroupingPolicy("g", role, parentRole); err != nil {
				return fmt.Errorf("link role inheritance failed: %w", err)
			}
		}
		links, err := s.enforcer.GetFilteredNamedGroupingPolicy("g", 0, role)
		if err != nil {
			return fmt.Errorf("list role inheritance failed: %w", err)
		}
		for _, link := range links {
			if len(link) < 2 {
				continue
			}
			if _, ok := wantParents[link[1]]; ok {
				continue
			}
			if _, err := s.enforcer.RemoveNamedGroupingPolicy("g", link[0], link[1]); err != nil {
				return fmt.Errorf("remove drifted inheritance failed: %w", err)
			}
		}

		wantPolicies := make(map[string]struct{}, len(seed.Policies))
		for _, policy := range seed.Policies {
			action := NormalizeAction(policy.Action)
			if action == "" {
				return fmt.Errorf("builtin policy action is required")
			}
			object := NormalizeObject(policy.Object)
			wantPolicies[object+"|"+action] = struct{}{}
			if _, err := s.enforcer.AddPolicy(role, object, action); err != nil {
				return fmt.Errorf("add builtin policy failed: %w", err)
			}
		}
		rules, err := s.enforcer.GetFilteredPolicy(0, role)
		if err != nil {
			return fmt.Errorf("list builtin policies failed: %w", err)
		}
		for _, rule := range rules {
			if len(rule) < 3 {
				continue
			}
			if _, ok := wantPolicies[rule[1]+"|"+rule[2]]; ok {
				continue
			}
			if _, err := s.enforcer.RemovePolicy(rule[0], rule[1], rule[2]); err != nil {
				return fmt.Errorf("remove drifted policy failed: %w", err)
			}
		}
	}
	return nil
}
