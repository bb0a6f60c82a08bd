package model

import "strings"

// Contact quota per rolling 30 days, by subscription plan.
var planLimits = map[string]int{
	"starter":   100,
	"essential": 500,
	"agent":     2000,
	"empresa":   10000,
}

const defaultPlanLimit = 100

// PlanLimit returns the contact quota for a plan name. Unknown or empty
// plans get the starter quota.
func PlanLimit(plan string) int {
	if limit, ok := planLimits[strings.ToLower(strings.TrimSpace(plan))]; ok {
		return limit
	}
	return defaultPlanLimit
}
