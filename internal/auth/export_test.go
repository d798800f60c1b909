package auth

// SetPasswordCost lowers the bcrypt cost for the duration of a test.
func SetPasswordCost(cost int) (restore func()) {
	prev := passwordCost
	passwordCost = cost
	return func() { passwordCost = prev }
}
