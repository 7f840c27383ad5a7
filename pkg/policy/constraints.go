package policy

import "github.com/mindburn-labs/agentgateway/pkg/contracts"

// effectiveConstraints computes the working constraint set for one
// evaluation: the manifest's own constraints narrowed by a presented
// capability token's constraints. A capability token can only ever
// narrow what the manifest allows, never widen it (SPEC_FULL.md §4.7
// step 3); an empty field on the token means "token does not further
// restrict this dimension", not "unrestricted".
func effectiveConstraints(manifestConstraints contracts.Constraints, tokenConstraints *contracts.Constraints) contracts.Constraints {
	if tokenConstraints == nil {
		return manifestConstraints
	}
	eff := manifestConstraints
	if len(tokenConstraints.AllowedActionTypes) > 0 {
		eff.AllowedActionTypes = intersectActionTypes(manifestConstraints.AllowedActionTypes, tokenConstraints.AllowedActionTypes)
	}
	if len(tokenConstraints.AllowedTools) > 0 {
		eff.AllowedTools = intersectStrings(manifestConstraints.AllowedTools, tokenConstraints.AllowedTools)
	}
	if len(tokenConstraints.AllowedCounterparties) > 0 {
		eff.AllowedCounterparties = intersectStrings(manifestConstraints.AllowedCounterparties, tokenConstraints.AllowedCounterparties)
	}
	if len(tokenConstraints.AllowedCountries) > 0 {
		eff.AllowedCountries = intersectStrings(manifestConstraints.AllowedCountries, tokenConstraints.AllowedCountries)
	}
	if tokenConstraints.MaxAmountCents > 0 && (eff.MaxAmountCents == 0 || tokenConstraints.MaxAmountCents < eff.MaxAmountCents) {
		eff.MaxAmountCents = tokenConstraints.MaxAmountCents
	}
	if tokenConstraints.Currency != "" {
		eff.Currency = tokenConstraints.Currency
	}
	return eff
}

func intersectActionTypes(a, b []contracts.ActionType) []contracts.ActionType {
	set := make(map[contracts.ActionType]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []contracts.ActionType
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []string
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func containsActionType(list []contracts.ActionType, v contracts.ActionType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
