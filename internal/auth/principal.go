package auth

// Principal is the authenticated actor as loaded from the identity directory.
type Principal struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email,omitempty"`
	Roles       []Role   `json:"roles"`
	Units       []string `json:"units,omitempty"`
	PrimaryUnit string   `json:"primary_unit,omitempty"`
	Active      bool     `json:"active"`
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FirstRoleIn returns the first held role contained in set.
func (p Principal) FirstRoleIn(set []Role) (Role, bool) {
	for _, r := range p.Roles {
		for _, candidate := range set {
			if r == candidate {
				return r, true
			}
		}
	}
	return "", false
}

// InUnit reports whether unitID is one of the principal's assigned units.
func (p Principal) InUnit(unitID string) bool {
	if unitID == "" {
		return false
	}
	if p.PrimaryUnit == unitID {
		return true
	}
	for _, u := range p.Units {
		if u == unitID {
			return true
		}
	}
	return false
}
