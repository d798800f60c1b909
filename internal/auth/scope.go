package auth

// ParamSource exposes request parameters to the scope resolver.
type ParamSource interface {
	Param(source, name string) string
}

// ParamMap is a ParamSource backed by a "source:name" keyed map.
type ParamMap map[string]string

// Param implements ParamSource.
func (m ParamMap) Param(source, name string) string {
	return m[source+":"+name]
}

// ScopeResolver derives the scope id to check for one requirement.
//
// For UNIT scope the principal's own unit context wins over request parameters:
// a request value is honoured only when it names one of the principal's units,
// when the principal has no primary unit, or when the principal holds a bypass role.
type ScopeResolver struct{}

// Resolve returns the scope id for req. GLOBAL always resolves to "".
func (ScopeResolver) Resolve(p Principal, req PermissionRequirement, params ParamSource, bypassed bool) (string, error) {
	source, name, err := parseScopeExpression(req.ScopeIDExpression)
	if err != nil {
		return "", &ConfigurationError{Permission: req.Permission, Detail: err.Error()}
	}
	requested := ""
	switch source {
	case SourceSelf:
		requested = p.UserID
	case "":
	default:
		if params != nil {
			requested = params.Param(source, name)
		}
	}

	switch req.ScopeType {
	case ScopeGlobal:
		return "", nil
	case ScopeOwn:
		if requested == "" {
			return p.UserID, nil
		}
		return requested, nil
	case ScopeUnit:
		switch {
		case bypassed && requested != "":
			return requested, nil
		case requested != "" && p.InUnit(requested):
			return requested, nil
		case p.PrimaryUnit != "":
			return p.PrimaryUnit, nil
		case requested != "":
			return requested, nil
		}
		return "", &ConfigurationError{Permission: req.Permission, Detail: "unit scope could not be resolved"}
	}
	return "", &ConfigurationError{Permission: req.Permission, Detail: "unknown scope type " + string(req.ScopeType)}
}
