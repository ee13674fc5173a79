package controller

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Condition types shared across the controllers.
const (
	CondReady     = "Ready"
	CondDegraded  = "Degraded"
	CondAvailable = "Available"
)

// Condition reasons surfaced on DevServers.
const (
	ReasonReady                 = "AllChildrenReady"
	ReasonPending               = "ChildrenNotReady"
	ReasonFlavorNotFound        = "FlavorNotFound"
	ReasonInvalidDuration       = "InvalidDuration"
	ReasonInvalidSpec           = "InvalidSpec"
	ReasonImmutableField        = "ImmutableField"
	ReasonSharedVolumeMissing   = "SharedVolumeMissing"
	ReasonIdlePolicyUnspecified = "IdlePolicyUnspecified"
	ReasonTerminating           = "Terminating"
)

// setCondition inserts or replaces the condition with cond.Type, keeping
// type keys unique. The transition time only moves when the status value
// actually changes. Returns true when the set was modified.
func setCondition(conditions *[]metav1.Condition, cond metav1.Condition) bool {
	if cond.LastTransitionTime.IsZero() {
		cond.LastTransitionTime = metav1.Now()
	}
	for i, existing := range *conditions {
		if existing.Type != cond.Type {
			continue
		}
		if existing.Status == cond.Status &&
			existing.Reason == cond.Reason &&
			existing.Message == cond.Message &&
			existing.ObservedGeneration == cond.ObservedGeneration {
			return false
		}
		if existing.Status == cond.Status {
			cond.LastTransitionTime = existing.LastTransitionTime
		}
		(*conditions)[i] = cond
		return true
	}
	*conditions = append(*conditions, cond)
	return true
}

// findCondition returns the condition with the given type, or nil.
func findCondition(conditions []metav1.Condition, condType string) *metav1.Condition {
	for i := range conditions {
		if conditions[i].Type == condType {
			return &conditions[i]
		}
	}
	return nil
}

// removeCondition drops the condition with the given type if present.
func removeCondition(conditions *[]metav1.Condition, condType string) {
	for i := range *conditions {
		if (*conditions)[i].Type == condType {
			*conditions = append((*conditions)[:i], (*conditions)[i+1:]...)
			return
		}
	}
}
