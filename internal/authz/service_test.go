package authz

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupAuthzServiceTest(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("new authz service failed: %v", err)
	}
	if err := svc.BootstrapBuiltinRoles(); err != nil {
		t.Fatalf("bootstrap builtin roles failed: %v", err)
	}
	return svc
}

func TestAuthorizeWithBoundRole(t *testing.T) {
	svc := setupAuthzServiceTest(t)
	if _, err := svc.BindOperatorRoles("ops-lee", []string{"finance_operator"}); err != nil {
		t.Fatalf("bind operator roles failed: %v", err)
	}
	op := Operator{Subject: "ops-lee"}

	allow, err := svc.Authorize(op, "/api/v1/admin/reconcile/records", "get")
	if err != nil {
		t.Fatalf("authorize inherited readonly failed: %v", err)
	}
	if !allow {
		t.Fatalf("expected inherited readonly permission")
	}

	allow, err = svc.Authorize(op, "/api/v1/admin/payments/12/release", "POST")
	if err != nil {
		t.Fatalf("authorize release failed: %v", err)
	}
	if !allow {
		t.Fatalf("expected finance operator to release payments")
	}

	allow, err = svc.Authorize(op, "/api/v1/admin/reconcile/recover", "POST")
	if err != nil {
		t.Fatalf("authorize recover failed: %v", err)
	}
	if allow {
		t.Fatalf("expected finance operator denied reconcile passes")
	}
}

func TestAuthorizeWithClaimedRole(t *testing.T) {
	svc := setupAuthzServiceTest(t)
	op := Operator{Subject: "batch-bot", Roles: []string{"reconcile_operator", "root"}}

	allow, err := svc.Authorize(op, "/api/v1/admin/reconcile/recover", "POST")
	if err != nil {
		t.Fatalf("authorize claimed role failed: %v", err)
	}
	if !allow {
		t.Fatalf("expected claimed builtin role honored")
	}

	allow, err = svc.Authorize(op, "/api/v1/admin/payments/3/refund", "POST")
	if err != nil {
		t.Fatalf("authorize unknown claim failed: %v", err)
	}
	if allow {
		t.Fatalf("expected unknown claimed role ignored")
	}

	if _, err := svc.Authorize(Operator{}, "/admin/payments", "GET"); !errors.Is(err, ErrOperatorRequired) {
		t.Fatalf("empty subject want ErrOperatorRequired, got=%v", err)
	}
}

func TestBindOperatorRolesOverride(t *testing.T) {
	svc := setupAuthzServiceTest(t)
	if _, err := svc.BindOperatorRoles("ops-2", []string{"reconcile_operator"}); err != nil {
		t.Fatalf("bind first role failed: %v", err)
	}
	roles, err := svc.BindOperatorRoles("ops-2", []string{"finance_operator", "finance_operator"})
	if err != nil {
		t.Fatalf("bind second role failed: %v", err)
	}
	if len(roles) != 1 || roles[0] != "role:finance_operator" {
		t.Fatalf("roles want [role:finance_operator], got=%v", roles)
	}
	stored, err := svc.OperatorRoles("ops-2")
	if err != nil {
		t.Fatalf("operator roles failed: %v", err)
	}
	if len(stored) != 1 || stored[0] != "role:finance_operator" {
		t.Fatalf("stored roles want [role:finance_operator], got=%v", stored)
	}

	allow, err := svc.Authorize(Operator{Subject: "ops-2"}, "/admin/reconcile/cleanup", "POST")
	if err != nil {
		t.Fatalf("authorize old role failed: %v", err)
	}
	if allow {
		t.Fatalf("expected old role permission removed")
	}

	if _, err := svc.BindOperatorRoles("ops-2", []string{"superuser"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("custom role want ErrUnknownRole, got=%v", err)
	}
	stored, _ = svc.OperatorRoles("ops-2")
	if len(stored) != 1 {
		t.Fatalf("rejected bind must not touch bindings, got=%v", stored)
	}
}

func TestEffectivePoliciesMergesClaims(t *testing.T) {
	svc := setupAuthzServiceTest(t)
	if _, err := svc.BindOperatorRoles("ops-3", []string{"readonly_auditor"}); err != nil {
		t.Fatalf("bind role failed: %v", err)
	}
	op := Operator{Subject: "ops-3", Roles: []string{"access_admin"}}
	roles, err := svc.EffectiveRoles(op)
	if err != nil {
		t.Fatalf("effective roles failed: %v", err)
	}
	if len(roles) != 2 || roles[0] != "role:access_admin" || roles[1] != "role:readonly_auditor" {
		t.Fatalf("unexpected effective roles: %v", roles)
	}
	policies, err := svc.EffectivePolicies(op)
	if err != nil {
		t.Fatalf("effective policies failed: %v", err)
	}
	found := false
	for _, item := range policies {
		if item.Object == "/admin/authz/operators/:subject/roles" && item.Action == "PUT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected access_admin bind policy, got=%v", policies)
	}
}

func TestBootstrapBuiltinRolesRemovesDrift(t *testing.T) {
	svc := setupAuthzServiceTest(t)
	if _, err := svc.enforcer.AddPolicy("role:readonly_auditor", "/admin/payments", "POST"); err != nil {
		t.Fatalf("add drifted policy failed: %v", err)
	}
	allow, _ := svc.Authorize(Operator{Subject: "aud", Roles: []string{"readonly_auditor"}}, "/admin/payments", "POST")
	if !allow {
		t.Fatalf("expected drifted policy effective before resync")
	}

	if err := svc.BootstrapBuiltinRoles(); err != nil {
		t.Fatalf("resync builtin roles failed: %v", err)
	}
	allow, err := svc.Authorize(Operator{Subject: "aud", Roles: []string{"readonly_auditor"}}, "/admin/payments", "POST")
	if err != nil {
		t.Fatalf("authorize after resync failed: %v", err)
	}
	if allow {
		t.Fatalf("expected drifted policy removed")
	}

	views, err := svc.Roles()
	if err != nil {
		t.Fatalf("roles failed: %v", err)
	}
	if len(views) != len(BuiltinRoleSeeds()) {
		t.Fatalf("roles want %d, got=%d", len(BuiltinRoleSeeds()), len(views))
	}
}

func TestSubjectForOperator(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "ops-lee", want: "operator:ops-lee", ok: true},
		{in: " operator:ops-lee ", want: "operator:ops-lee", ok: true},
		{in: "", ok: false},
		{in: "role:finance_operator", ok: false},
	}
	for _, item := range cases {
		got, err := SubjectForOperator(item.in)
		if item.ok && (err != nil || got != item.want) {
			t.Fatalf("subject for %q want=%q got=%q err=%v", item.in, item.want, got, err)
		}
		if !item.ok && err == nil {
			t.Fatalf("subject for %q want error, got=%q", item.in, got)
		}
	}
}

func TestNormalizeObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "/api/v1/admin/payouts/:id", want: "/admin/payouts/:id"},
		{in: "/admin/payouts/:id", want: "/admin/payouts/:id"},
		{in: "admin/payouts", want: "/admin/payouts"},
		{in: "/api/v1", want: "/"},
		{in: "", want: "/"},
	}
	for _, item := range cases {
		got := NormalizeObject(item.in)
		if got != item.want {
			t.Fatalf("normalize object failed, in=%q want=%q got=%q", item.in, item.want, got)
		}
	}
}
