package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	devserverv1 "devserver-operator/api/v1"
)

// DevServerFlavorReconciler validates flavors and reports readiness. It
// never creates children.
type DevServerFlavorReconciler struct {
	client.Client
	Scheme *runtime.Scheme
}

// +kubebuilder:rbac:groups=devserver.io,resources=devserverflavors,verbs=get;list;watch
// +kubebuilder:rbac:groups=devserver.io,resources=devserverflavors/status,verbs=get;update;patch

// Reconcile validates a DevServerFlavor and publishes the Available
// condition.
func (r *DevServerFlavorReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var flavor devserverv1.DevServerFlavor
	if err := r.Get(ctx, req.NamespacedName, &flavor); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	cond := metav1.Condition{
		Type:               CondAvailable,
		Status:             metav1.ConditionTrue,
		Reason:             "Valid",
		Message:            "flavor validated",
		ObservedGeneration: flavor.Generation,
	}
	if err := validateFlavor(&flavor); err != nil {
		log.FromContext(ctx).Info("Flavor rejected", "flavor", flavor.Name, "reason", err)
		cond.Status = metav1.ConditionFalse
		cond.Reason = "Invalid"
		cond.Message = err.Error()
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		latest := &devserverv1.DevServerFlavor{}
		if err := r.Get(ctx, client.ObjectKeyFromObject(&flavor), latest); err != nil {
			return client.IgnoreNotFound(err)
		}
		if !setCondition(&latest.Status.Conditions, cond) {
			return nil
		}
		return r.Status().Update(ctx, latest)
	})
	return ctrl.Result{}, err
}

// validateFlavor checks that the envelope is internally consistent:
// requests never exceed limits for keys declared in both, tolerations are
// well formed and nodeSelector keys are non-empty.
func validateFlavor(flavor *devserverv1.DevServerFlavor) error {
	requests := flavor.Spec.Resources.Requests
	limits := flavor.Spec.Resources.Limits
	for name, request := range requests {
		limit, ok := limits[name]
		if !ok {
			continue
		}
		if request.Cmp(limit) > 0 {
			return fmt.Errorf("request for %s (%s) exceeds limit (%s)", name, request.String(), limit.String())
		}
	}

	for i, toleration := range flavor.Spec.Tolerations {
		switch toleration.Operator {
		case "", corev1.TolerationOpEqual:
		case corev1.TolerationOpExists:
			if toleration.Value != "" {
				return fmt.Errorf("toleration %d: value must be empty when operator is Exists", i)
			}
		default:
			return fmt.Errorf("toleration %d: unknown operator %q", i, toleration.Operator)
		}
		switch toleration.Effect {
		case "", corev1.TaintEffectNoSchedule, corev1.TaintEffectPreferNoSchedule, corev1.TaintEffectNoExecute:
		default:
			return fmt.Errorf("toleration %d: unknown effect %q", i, toleration.Effect)
		}
		if toleration.Key == "" && toleration.Operator != corev1.TolerationOpExists {
			return fmt.Errorf("toleration %d: empty key requires operator Exists", i)
		}
	}

	for key := range flavor.Spec.NodeSelector {
		if key == "" {
			return fmt.Errorf("nodeSelector contains an empty key")
		}
	}
	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *DevServerFlavorReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&devserverv1.DevServerFlavor{}).
		Named("devserverflavor").
		Complete(r)
}
