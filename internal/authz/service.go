package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	"github.com/casbin/casbin/v3/util"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

const (
	apiV1Prefix      = "/api/v1"
	casbinTableName  = "casbin_rule"
	operatorPrefix   = "operator:"
	rolePrefix       = "role:"
	maxSubjectLength = 128
)

// 操作员主体来自外部签发方，本地只保存角色绑定与角色策略
const operatorRBACModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

var (
	ErrUnavailable      = errors.New("authz service unavailable")
	ErrOperatorRequired = errors.New("operator subject required")
	ErrUnknownRole      = errors.New("unknown role")
)

// Operator 外部签发令牌中的操作员身份
type Operator struct {
	Subject string   `json:"subject"`
	Name    string   `json:"name"`
	Roles   []string `json:"roles"` // 签发方声明的角色，只认预置角色
}

// DisplayName 审计记录中使用的操作员名称
func (o Operator) DisplayName() string {
	if name := strings.TrimSpace(o.Name); name != "" {
		return name
	}
	return strings.TrimSpace(o.Subject)
}

// Policy 权限策略
type Policy struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
	Action  string `json:"action"`
}

// RoleView 角色及其生效策略
type RoleView struct {
	Role     string   `json:"role"`
	Inherits []string `json:"inherits"`
	Policies []Policy `json:"policies"`
}

// Service 操作员授权服务
type Service struct {
	enforcer *casbin.SyncedEnforcer
	builtin  map[string]RoleSeed
}

// NewService 创建授权服务
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("authz db is nil")
	}
	adapter, err := gormadapter.NewAdapterByDBUseTableName(db, "", casbinTableName)
	if err != nil {
		return nil, fmt.Errorf("create authz adapter failed: %w", err)
	}
	m, err := model.NewModelFromString(operatorRBACModel)
	if err != nil {
		return nil, fmt.Errorf("load authz model failed: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("init authz enforcer failed: %w", err)
	}
	enforcer.AddFunction("keyMatch2", util.KeyMatch2Func)
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load authz policy failed: %w", err)
	}

	builtin := make(map[string]RoleSeed)
	for _, seed := range BuiltinRoleSeeds() {
		builtin[rolePrefix+seed.Role] = seed
	}
	return &Service{enforcer: enforcer, builtin: builtin}, nil
}

// Authorize 判定操作员能否访问资源
// 先看本地绑定的角色，再看令牌声明的预置角色
func (s *Service) Authorize(op Operator, object, action string) (bool, error) {
	if s == nil || s.enforcer == nil {
		return false, ErrUnavailable
	}
	subject, err := SubjectForOperator(op.Subject)
	if err != nil {
		return false, err
	}
	obj := NormalizeObject(object)
	act := NormalizeAction(action)
	allowed, err := s.enforcer.Enforce(subject, obj, act)
	if err != nil || allowed {
		return allowed, err
	}
	for _, role := range s.claimedRoles(op) {
		allowed, err := s.enforcer.Enforce(role, obj, act)
		if err != nil || allowed {
			return allowed, err
		}
	}
	return false, nil
}

// IsBuiltinRole 是否为预置角色
func (s *Service) IsBuiltinRole(role string) bool {
	if s == nil {
		return false
	}
	normalized, err := NormalizeRole(role)
	if err != nil {
		return false
	}
	_, ok := s.builtin[normalized]
	return ok
}

// Roles 列出预置角色与当前生效的策略
func (s *Service) Roles() ([]RoleView, error) {
	if s == nil || s.enforcer == nil {
		return nil, ErrUnavailable
	}
	views := make([]RoleView, 0, len(s.builtin))
	for _, seed := range BuiltinRoleSeeds() {
		role := rolePrefix + seed.Role
		rules, err := s.enforcer.GetFilteredPolicy(0, role)
		if err != nil {
			return nil, fmt.Errorf("list role policies failed: %w", err)
		}
		inherits := make([]string, 0, len(seed.Inherits))
		for _, parent := range seed.Inherits {
			inherits = append(inherits, rolePrefix+parent)
		}
		views = append(views, RoleView{Role: role, Inherits: inherits, Policies: convertPolicies(rules)})
	}
	return views, nil
}

// BindOperatorRoles 覆盖设置操作员的本地角色，只允许预置角色
func (s *Service) BindOperatorRoles(operatorSubject string, roles []string) ([]string, error) {
	if s == nil || s.enforcer == nil {
		return nil, ErrUnavailable
	}
	subject, err := SubjectForOperator(operatorSubject)
	if err != nil {
		return nil, err
	}
	bound := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized, err := NormalizeRole(role)
		if err != nil {
			return nil, err
		}
		if _, ok := s.builtin[normalized]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, normalized)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		bound = append(bound, normalized)
	}

	if _, err := s.enforcer.RemoveFilteredNamedGroupingPolicy("g", 0, subject); err != nil {
		return nil, fmt.Errorf("clear operator roles failed: %w", err)
	}
	for _, role := range bound {
		if _, err := s.enforcer.AddNamedGroupingPolicy("g", subject, role); err != nil {
			return nil, fmt.Errorf("bind operator role failed: %w", err)
		}
	}
	sort.Strings(bound)
	return bound, nil
}

// OperatorRoles 查询操作员本地绑定的角色
func (s *Service) OperatorRoles(operatorSubject string) ([]string, error) {
	if s == nil || s.enforcer == nil {
		return nil, ErrUnavailable
	}
	subject, err := SubjectForOperator(operatorSubject)
	if err != nil {
		return nil, err
	}
	rules, err := s.enforcer.GetFilteredNamedGroupingPolicy("g", 0, subject)
	if err != nil {
		return nil, fmt.Errorf("get operator roles failed: %w", err)
	}
	roles := make([]string, 0, len(rules))
	for _, rule := range rules {
		if len(rule) >= 2 && strings.HasPrefix(rule[1], rolePrefix) {
			roles = append(roles, rule[1])
		}
	}
	sort.Strings(roles)
	return roles, nil
}

// EffectiveRoles 本地绑定与令牌声明角色的并集
func (s *Service) EffectiveRoles(op Operator) ([]string, error) {
	bound, err := s.OperatorRoles(op.Subject)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(bound))
	for _, role := range bound {
		set[role] = struct{}{}
	}
	for _, role := range s.claimedRoles(op) {
		set[role] = struct{}{}
	}
	roles := make([]string, 0, len(set))
	for role := range set {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, nil
}

// EffectivePolicies 操作员最终生效的策略（含继承）
func (s *Service) EffectivePolicies(op Operator) ([]Policy, error) {
	roles, err := s.EffectiveRoles(op)
	if err != nil {
		return nil, err
	}
	policyMap := map[string]Policy{}
	for _, role := range roles {
		rules, err := s.enforcer.GetImplicitPermissionsForUser(role)
		if err != nil {
			return nil, fmt.Errorf("get role permissions failed: %w", err)
		}
		for _, item := range convertPolicies(rules) {
			policyMap[item.Subject+"|"+item.Object+"|"+item.Action] = item
		}
	}
	result := make([]Policy, 0, len(policyMap))
	for _, item := range policyMap {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Object == result[j].Object {
			if result[i].Action == result[j].Action {
				return result[i].Subject < result[j].Subject
			}
			return result[i].Action < result[j].Action
		}
		return result[i].Object < result[j].Object
	})
	return result, nil
}

// claimedRoles 令牌声明中能识别的预置角色
func (s *Service) claimedRoles(op Operator) []string {
	roles := make([]string, 0, len(op.Roles))
	for _, role := range op.Roles {
		normalized, err := NormalizeRole(role)
		if err != nil {
			continue
		}
		if _, ok := s.builtin[normalized]; ok {
			roles = append(roles, normalized)
		}
	}
	return roles
}

func convertPolicies(rules [][]string) []Policy {
	policies := make([]Policy, 0, len(rules))
	for _, rule := range rules {
		if len(rule) < 3 {
			continue
		}
		policies = append(policies, Policy{
			Subject: strings.TrimSpace(rule[0]),
			Object:  NormalizeObject(rule[1]),
			Action:  NormalizeAction(rule[2]),
		})
	}
	return policies
}

// SubjectForOperator 由令牌 sub 生成 casbin 主体
func SubjectForOperator(subject string) (string, error) {
	subject = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(subject), operatorPrefix))
	if subject == "" || len(subject) > maxSubjectLength {
		return "", ErrOperatorRequired
	}
	if strings.HasPrefix(subject, rolePrefix) {
		return "", fmt.Errorf("%w: reserved prefix", ErrOperatorRequired)
	}
	return operatorPrefix + subject, nil
}

// NormalizeRole 统一角色名称
func NormalizeRole(role string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(role), " ", "_")
	normalized = strings.TrimPrefix(normalized, rolePrefix)
	if normalized == "" {
		return "", fmt.Errorf("role is required")
	}
	return rolePrefix + normalized, nil
}

// NormalizeObject 统一授权资源路径
func NormalizeObject(object string) string {
	normalized := strings.TrimSpace(object)
	if normalized == "" {
		return "/"
	}
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasPrefix(normalized, apiV1Prefix+"/") {
		return strings.TrimPrefix(normalized, apiV1Prefix)
	}
	if normalized == apiV1Prefix {
		return "/"
	}
	return normalized
}

// NormalizeAction 统一授权动作
func NormalizeAction(action string) string {
	return strings.ToUpper(strings.TrimSpace(action))
}
