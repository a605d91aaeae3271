package shared

import "fmt"

// BillingLockKey builds redis keys for per-customer balance critical sections.
func BillingLockKey(customerID int64) string {
	return fmt.Sprintf("billing:customer:%d:lock", customerID)
}

// ReminderCooldownKey builds redis keys for the per-customer reminder cooldown.
func ReminderCooldownKey(customerID int64) string {
	return fmt.Sprintf("notify:customer:%d:cooldown", customerID)
}
