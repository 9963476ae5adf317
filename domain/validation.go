package domain

import (
	"fmt"
	"regexp"
	"time"
)

// amountPattern enforces two decimal places with no thousands separators,
// e.g. "100.00" or "0.01". "100", "100.0" and "-5.00" are all rejected.
var amountPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.\d{2}$`)

// ValidateAmount checks a payment amount string against the provider's
// required format and rejects zero amounts.
func ValidateAmount(amount string) error {
	if !amountPattern.MatchString(amount) {
		return fmt.Errorf("amount %q must match 0.00 format with exactly two decimal places", amount)
	}
	if amount == "0.00" {
		return fmt.Errorf("amount must be greater than zero")
	}
	return nil
}

// DataPermissions is the fixed allow-list of account-information permissions
// the provider accepts on a data-sharing consent.
var DataPermissions = []string{
	"ReadAccountsBasic",
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadBeneficiariesBasic",
	"ReadBeneficiariesDetail",
	"ReadTransactionsBasic",
	"ReadTransactionsDetail",
	"ReadTransactionsCredits",
	"ReadTransactionsDebits",
	"ReadScheduledPaymentsBasic",
	"ReadScheduledPaymentsDetail",
	"ReadDirectDebits",
	"ReadStandingOrdersBasic",
	"ReadStandingOrdersDetail",
	"ReadConsents",
	"ReadPartyUser",
	"ReadPartyUserIdentity",
	"ReadParty",
}

var permissionSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(DataPermissions))
	for _, p := range DataPermissions {
		s[p] = struct{}{}
	}
	return s
}()

// ValidatePermissions checks that the requested permission list is non-empty
// and a subset of the allow-list.
func ValidatePermissions(perms []string) error {
	if len(perms) == 0 {
		return fmt.Errorf("data_permissions must contain at least one permission")
	}
	for _, p := range perms {
		if _, ok := permissionSet[p]; !ok {
			return fmt.Errorf("unknown data permission %q", p)
		}
	}
	return nil
}

// ValidateConsentWindow checks optional ISO-8601 validity bounds. When both
// are present validFrom must be strictly earlier than validUntil.
func ValidateConsentWindow(validFrom, validUntil string) error {
	var from, until time.Time
	var err error
	if validFrom != "" {
		if from, err = time.Parse(time.RFC3339, validFrom); err != nil {
			return fmt.Errorf("valid_from is not a valid ISO-8601 timestamp: %w", err)
		}
	}
	if validUntil != "" {
		if until, err = time.Parse(time.RFC3339, validUntil); err != nil {
			return fmt.Errorf("valid_until is not a valid ISO-8601 timestamp: %w", err)
		}
	}
	if validFrom != "" && validUntil != "" && !from.Before(until) {
		return fmt.Errorf("valid_from must be earlier than valid_until")
	}
	return nil
}
