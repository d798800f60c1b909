package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Declared permission names.
const (
	PermBenefitConfigure       = "beneficio.configurar"
	PermBenefitRequestCreate   = "beneficio.solicitacao.criar"
	PermBenefitRequestView     = "beneficio.solicitacao.visualizar"
	PermBenefitRequestApprove  = "beneficio.solicitacao.aprovar"
	PermBenefitRequestCancel   = "beneficio.solicitacao.cancelar"
	PermCitizenView            = "cidadao.cadastro.visualizar"
	PermCitizenEdit            = "cidadao.cadastro.editar"
	PermDocumentGenerate       = "documento.gerar"
	PermReportGenerate         = "relatorio.gerar"
	PermReportView             = "relatorio.visualizar"
	PermUnitView               = "unidade.visualizar"
	PermUnitManage             = "unidade.gerenciar"
	PermUserManage             = "usuario.gerenciar"
	PermSystemPermissionGrant  = "sistema.permissao.conceder"
	PermSystemPermissionRevoke = "sistema.permissao.revogar"
	PermSystemPermissionQuery  = "sistema.permissao.consultar"
	PermSystemTokenManage      = "sistema.token.gerenciar"
	PermAuditView              = "auditoria.visualizar"
)

var builtinPermissions = []Permission{
	{Name: PermBenefitConfigure, Description: "Configure benefit types and eligibility parameters"},
	{Name: PermBenefitRequestCreate, Description: "Register a benefit request"},
	{Name: PermBenefitRequestView, Description: "View benefit requests"},
	{Name: PermBenefitRequestApprove, Description: "Approve or reject benefit requests"},
	{Name: PermBenefitRequestCancel, Description: "Cancel benefit requests"},
	{Name: PermCitizenView, Description: "View citizen records"},
	{Name: PermCitizenEdit, Description: "Edit citizen records"},
	{Name: PermDocumentGenerate, Description: "Generate case documents"},
	{Name: PermReportGenerate, Description: "Generate management reports"},
	{Name: PermReportView, Description: "View generated reports"},
	{Name: PermUnitView, Description: "View organizational units"},
	{Name: PermUnitManage, Description: "Manage organizational units"},
	{Name: PermUserManage, Description: "Manage user accounts"},
	{Name: PermSystemPermissionGrant, Description: "Grant per-user permissions"},
	{Name: PermSystemPermissionRevoke, Description: "Revoke per-user permissions"},
	{Name: PermSystemPermissionQuery, Description: "Inspect permissions and grants"},
	{Name: PermSystemTokenManage, Description: "Manage the token blacklist and user sessions"},
	{Name: PermAuditView, Description: "Read the audit trail"},
}

var builtinRolePermissions = map[Role][]string{
	RoleAdministrator: nil, // every declared permission, filled in by DefaultCatalog
	RoleUnitManager: {
		PermBenefitConfigure,
		PermBenefitRequestCreate,
		PermBenefitRequestView,
		PermBenefitRequestApprove,
		PermBenefitRequestCancel,
		PermCitizenView,
		PermCitizenEdit,
		PermDocumentGenerate,
		PermReportGenerate,
		PermReportView,
		PermUnitView,
		PermUnitManage,
		PermUserManage,
		PermSystemPermissionQuery,
	},
	RoleUnitTechnician: {
		PermBenefitRequestCreate,
		PermBenefitRequestView,
		PermCitizenView,
		PermCitizenEdit,
		PermDocumentGenerate,
		PermUnitView,
	},
	RoleAuditor: {
		PermBenefitRequestView,
		PermCitizenView,
		PermReportView,
		PermAuditView,
		PermSystemPermissionQuery,
	},
}

// Catalog is the static set of declared permissions and role mappings.
// It is built once at startup and read concurrently afterwards.
type Catalog struct {
	permissions map[string]Permission
	roles       map[Role]map[string]struct{}
}

// NewCatalog validates perms and returns an empty-role catalog.
func NewCatalog(perms []Permission) (*Catalog, error) {
	c := &Catalog{
		permissions: make(map[string]Permission, len(perms)),
		roles:       make(map[Role]map[string]struct{}),
	}
	for _, p := range perms {
		module, err := permissionModule(p.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := c.permissions[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %q", ErrInvalidInput, p.Name)
		}
		p.Module = module
		c.permissions[p.Name] = p
	}
	return c, nil
}

// DefaultCatalog returns the built-in permission catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinPermissions)
	if err != nil {
		panic(err)
	}
	for role, perms := range builtinRolePermissions {
		if role == RoleAdministrator {
			perms = c.names()
		}
		if err := c.Assign(role, perms...); err != nil {
			panic(err)
		}
	}
	return c
}

// Assign maps role to each of perms. Unknown permissions are rejected.
func (c *Catalog) Assign(role Role, perms ...string) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	set, ok := c.roles[role]
	if !ok {
		set = make(map[string]struct{})
		c.roles[role] = set
	}
	for _, name := range perms {
		if _, ok := c.permissions[name]; !ok {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, name)
		}
		set[name] = struct{}{}
	}
	return nil
}

// Lookup returns the permission declared under name.
func (c *Catalog) Lookup(name string) (Permission, bool) {
	p, ok := c.permissions[name]
	return p, ok
}

// RoleHas reports whether role maps to permission.
func (c *Catalog) RoleHas(role Role, permission string) bool {
	_, ok := c.roles[role][permission]
	return ok
}

// Permissions returns every declared permission sorted by name.
func (c *Catalog) Permissions() []Permission {
	out := make([]Permission, 0, len(c.permissions))
	for _, p := range c.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RolePermissions returns every role mapping sorted by role then permission.
func (c *Catalog) RolePermissions() []RolePermission {
	var out []RolePermission
	for role, set := range c.roles {
		for name := range set {
			out = append(out, RolePermission{Role: role, Permission: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Permission < out[j].Permission
	})
	return out
}

// PermissionsForRole returns the sorted permission names mapped to role.
func (c *Catalog) PermissionsForRole(role Role) []string {
	out := make([]string, 0, len(c.roles[role]))
	for name := range c.roles[role] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) names() []string {
	out := make([]string, 0, len(c.permissions))
	for name := range c.permissions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// permissionModule validates a dotted permission name and returns its first segment.
func permissionModule(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return "", fmt.Errorf("%w: permission %q must be module.resource[.operation]", ErrInvalidInput, name)
	}
	for _, part := range parts {
		if part == "" || strings.TrimSpace(part) != part || strings.ToLower(part) != part {
			return "", fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, name)
		}
	}
	return parts[0], nil
}

// BypassTable is the single place that decides which roles skip scope checks.
type BypassTable struct {
	defaults      []Role
	perPermission map[string][]Role
}

// DefaultBypassRoles apply to any permission without an explicit entry.
var DefaultBypassRoles = []Role{RoleAdministrator, RoleUnitManager}

// DefaultBypassOverrides keeps system administration permissions administrator-only.
// Each call returns a fresh map.
func DefaultBypassOverrides() map[string][]Role {
	adminOnly := []Role{RoleAdministrator}
	return map[string][]Role{
		PermSystemPermissionGrant:  adminOnly,
		PermSystemPermissionRevoke: adminOnly,
		PermSystemPermissionQuery:  adminOnly,
		PermSystemTokenManage:      adminOnly,
		PermAuditView:              adminOnly,
	}
}

// DefaultBypassTable combines DefaultBypassRoles with DefaultBypassOverrides.
func DefaultBypassTable() *BypassTable {
	return NewBypassTable(DefaultBypassRoles, DefaultBypassOverrides())
}

// NewBypassTable builds a table from defaults and per-permission overrides.
// An override with an empty role list disables bypass for that permission.
func NewBypassTable(defaults []Role, overrides map[string][]Role) *BypassTable {
	t := &BypassTable{
		defaults:      dedupeRoles(defaults),
		perPermission: make(map[string][]Role, len(overrides)),
	}
	for perm, roles := range overrides {
		t.perPermission[perm] = dedupeRoles(roles)
	}
	return t
}

// RolesFor returns the bypass roles for permission.
func (t *BypassTable) RolesFor(permission string) []Role {
	if t == nil {
		return nil
	}
	if roles, ok := t.perPermission[permission]; ok {
		return roles
	}
	return t.defaults
}
