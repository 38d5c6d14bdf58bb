package auth

import (
	"fmt"
	"strings"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Permission actions accepted in a permissions claim.
const (
	ActionRead   = "read"
	ActionQuery  = "query"
	ActionExport = "export"
)

// ClaimsExtractor maps token claims onto a user context.
type ClaimsExtractor struct {
	// SubjectClaimPath is the dot-separated path to the user ID.
	SubjectClaimPath string

	// RoleClaimPath points at a role string or a list of roles. The first
	// role matching RolePrefix becomes the context's role, prefix stripped.
	RoleClaimPath string
	RolePrefix    string

	// DepartmentClaimPath points at the list of departments in scope.
	DepartmentClaimPath string

	// PermissionsClaimPath points at an object mapping each domain to its
	// granted actions, e.g. {"financial": ["read", "query"]}.
	PermissionsClaimPath string
}

// DefaultClaimsExtractor returns an extractor with common defaults.
func DefaultClaimsExtractor() *ClaimsExtractor {
	return &ClaimsExtractor{
		SubjectClaimPath:     "sub",
		RoleClaimPath:        "role",
		DepartmentClaimPath:  "departments",
		PermissionsClaimPath: "permissions",
	}
}

// Extract builds an authenticated user context from claims. The session
// ID, expiry and timestamps are left for the caller to fill in.
func (e *ClaimsExtractor) Extract(claims map[string]any) (*contextstore.UserContext, error) {
	userID := e.getStringValue(claims, e.SubjectClaimPath)
	if userID == "" {
		return nil, fmt.Errorf("missing %s claim", e.SubjectClaimPath)
	}

	uc := &contextstore.UserContext{
		UserID:          userID,
		DepartmentScope: []string{},
		Preferences:     contextstore.DefaultPreferences(),
		Status:          contextstore.ContextActive,
	}
	if e.RoleClaimPath != "" {
		uc.RoleID = e.role(claims)
	}
	if e.DepartmentClaimPath != "" {
		if depts := e.getStringSlice(claims, e.DepartmentClaimPath); depts != nil {
			uc.DepartmentScope = depts
		}
	}
	if e.PermissionsClaimPath != "" {
		uc.Permissions = e.permissions(claims)
	}
	return uc, nil
}

func (e *ClaimsExtractor) role(claims map[string]any) string {
	roles := e.getStringSlice(claims, e.RoleClaimPath)
	if roles == nil {
		if s := e.getStringValue(claims, e.RoleClaimPath); s != "" {
			roles = []string{s}
		}
	}
	for _, r := range roles {
		if after, ok := strings.CutPrefix(r, e.RolePrefix); ok {
			return after
		}
	}
	return ""
}

func (e *ClaimsExtractor) permissions(claims map[string]any) contextstore.Permissions {
	raw, ok := e.getValue(claims, e.PermissionsClaimPath).(map[string]any)
	if !ok {
		return contextstore.Permissions{}
	}
	var perms contextstore.Permissions
	for key, actions := range raw {
		var granted contextstore.DomainPermission
		for _, action := range toStrings(actions) {
			switch action {
			case ActionRead:
				granted.Read = true
			case ActionQuery:
				granted.Query = true
			case ActionExport:
				granted.Export = true
			}
		}
		switch contextstore.Domain(strings.ReplaceAll(key, "_", "-")) {
		case contextstore.DomainClinical:
			perms.Clinical = granted
		case contextstore.DomainFinancial:
			perms.Financial = granted
		case contextstore.DomainOperational:
			perms.Operational = granted
		case contextstore.DomainCustomerService:
			perms.CustomerService = granted
		}
	}
	return perms
}

// PermissionsClaim renders perms in the shape Extract reads back.
func PermissionsClaim(perms contextstore.Permissions) map[string]any {
	out := make(map[string]any)
	for _, d := range contextstore.AllDomains {
		p := perms.For(d)
		var actions []any
		if p.Read {
			actions = append(actions, ActionRead)
		}
		if p.Query {
			actions = append(actions, ActionQuery)
		}
		if p.Export {
			actions = append(actions, ActionExport)
		}
		if len(actions) > 0 {
			out[string(d)] = actions
		}
	}
	return out
}

// getStringValue gets a string value at a dot-separated path.
func (e *ClaimsExtractor) getStringValue(claims map[string]any, path string) string {
	if s, ok := e.getValue(claims, path).(string); ok {
		return s
	}
	return ""
}

// getStringSlice gets a string slice at a dot-separated path.
func (e *ClaimsExtractor) getStringSlice(claims map[string]any, path string) []string {
	value := e.getValue(claims, path)
	switch value.(type) {
	case []any, []string:
		return toStrings(value)
	default:
		return nil
	}
}

// getValue gets a value at a dot-separated path.
func (*ClaimsExtractor) getValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func toStrings(value any) []string {
	switch arr := value.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
