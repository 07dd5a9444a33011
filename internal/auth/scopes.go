package auth

// Scope is a permission string carried in JWT claims.
type Scope string

const (
	// ScopeModulesRead allows listing modules and reading their status.
	ScopeModulesRead Scope = "modules:read"
	// ScopeModulesInstall allows installing modules.
	ScopeModulesInstall Scope = "modules:install"
	// ScopeModulesUninstall allows uninstalling modules.
	ScopeModulesUninstall Scope = "modules:uninstall"
	// ScopeModulesOperate allows starting and stopping module containers.
	ScopeModulesOperate Scope = "modules:operate"
	// ScopeAuditRead allows reading the audit trail.
	ScopeAuditRead Scope = "audit:read"
	// ScopeAdmin grants everything.
	ScopeAdmin Scope = "admin"
)

// RoleSuperAdmin is required for all mutating module operations in addition
// to the operation's scope.
const RoleSuperAdmin = "super-admin"

// HasScope reports whether the claim set grants the required scope. The
// admin scope grants everything, and any module write scope implies
// modules:read.
func HasScope(scopes []string, required Scope) bool {
	for _, s := range scopes {
		if s == string(ScopeAdmin) || s == string(required) {
			return true
		}
		if required == ScopeModulesRead {
			switch Scope(s) {
			case ScopeModulesInstall, ScopeModulesUninstall, ScopeModulesOperate:
				return true
			}
		}
	}
	return false
}
