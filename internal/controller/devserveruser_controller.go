package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	devserverv1 "devserver-operator/api/v1"
)

const (
	// UserRoleName is the namespaced role granted to every provisioned user.
	UserRoleName = "dev-user"

	// UserQuotaName is the resource quota applied to each user namespace.
	UserQuotaName = "dev-user-quota"
)

// UserNamespace returns the namespace provisioned for a username.
func UserNamespace(username string) string { return "dev-" + username }

// UserServiceAccount returns the service account name for a username.
func UserServiceAccount(username string) string { return username + "-sa" }

// DevServerUserReconciler provisions the per-user namespace, RBAC and quota.
type DevServerUserReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	// QuotaDefaults is the cluster-wide default quota; per-user overrides
	// from spec.quota win key by key.
	QuotaDefaults corev1.ResourceList
}

// +kubebuilder:rbac:groups=devserver.io,resources=devserverusers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=devserver.io,resources=devserverusers/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=namespaces;serviceaccounts;resourcequotas,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=rbac.authorization.k8s.io,resources=roles;rolebindings,verbs=get;list;watch;create;update;patch;delete;bind;escalate

// Reconcile drives a DevServerUser toward its desired state.
func (r *DevServerUserReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var user devserverv1.DevServerUser
	if err := r.Get(ctx, req.NamespacedName, &user); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// Cleanup cascades through owner references; namespace termination is
	// accepted as slow and never blocked on.
	if !user.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	namespace := UserNamespace(user.Spec.Username)

	if err := r.ensureNamespace(ctx, &user, namespace); err != nil {
		return ctrl.Result{}, r.reportFailure(ctx, &user, fmt.Errorf("ensure namespace: %w", err))
	}
	if err := r.ensureServiceAccount(ctx, &user, namespace); err != nil {
		return ctrl.Result{}, r.reportFailure(ctx, &user, fmt.Errorf("ensure service account: %w", err))
	}
	if err := r.ensureRole(ctx, &user, namespace); err != nil {
		return ctrl.Result{}, r.reportFailure(ctx, &user, fmt.Errorf("ensure role: %w", err))
	}
	if err := r.ensureRoleBinding(ctx, &user, namespace); err != nil {
		return ctrl.Result{}, r.reportFailure(ctx, &user, fmt.Errorf("ensure role binding: %w", err))
	}
	if err := r.ensureQuota(ctx, &user, namespace); err != nil {
		return ctrl.Result{}, r.reportFailure(ctx, &user, fmt.Errorf("ensure quota: %w", err))
	}

	logger.Info("User provisioned", "user", user.Spec.Username, "namespace", namespace)
	return ctrl.Result{}, r.writeStatus(ctx, &user, func(status *devserverv1.DevServerUserStatus) {
		status.Namespace = namespace
		setCondition(&status.Conditions, metav1.Condition{
			Type:               CondReady,
			Status:             metav1.ConditionTrue,
			Reason:             "Provisioned",
			Message:            "namespace, RBAC and quota are in place",
			ObservedGeneration: user.Generation,
		})
	})
}

func (r *DevServerUserReconciler) ensureNamespace(ctx context.Context, user *devserverv1.DevServerUser, namespace string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, ns, func() error {
		if err := controllerutil.SetControllerReference(user, ns, r.Scheme); err != nil {
			return err
		}
		if ns.Labels == nil {
			ns.Labels = map[string]string{}
		}
		ns.Labels["devserver.io/user"] = user.Spec.Username
		ns.Labels["devserver.io/managed"] = "true"
		return nil
	})
	if err != nil {
		return err
	}
	if op == controllerutil.OperationResultCreated {
		r.event(user, "ChildCreated", "Created Namespace "+namespace)
	}
	return nil
}

func (r *DevServerUserReconciler) ensureServiceAccount(ctx context.Context, user *devserverv1.DevServerUser, namespace string) error {
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{
		Name:      UserServiceAccount(user.Spec.Username),
		Namespace: namespace,
	}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, sa, func() error {
		return controllerutil.SetControllerReference(user, sa, r.Scheme)
	})
	if err != nil {
		return err
	}
	if op == controllerutil.OperationResultCreated {
		r.event(user, "ChildCreated", "Created ServiceAccount "+sa.Name)
	}
	return nil
}

func (r *DevServerUserReconciler) ensureRole(ctx context.Context, user *devserverv1.DevServerUser, namespace string) error {
	role := &rbacv1.Role{ObjectMeta: metav1.ObjectMeta{Name: UserRoleName, Namespace: namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, role, func() error {
		if err := controllerutil.SetControllerReference(user, role, r.Scheme); err != nil {
			return err
		}
		role.Rules = userRoleRules()
		return nil
	})
	if err != nil {
		return err
	}
	if op == controllerutil.OperationResultCreated {
		r.event(user, "ChildCreated", "Created Role "+role.Name)
	}
	return nil
}

func (r *DevServerUserReconciler) ensureRoleBinding(ctx context.Context, user *devserverv1.DevServerUser, namespace string) error {
	binding := &rbacv1.RoleBinding{ObjectMeta: metav1.ObjectMeta{Name: UserRoleName, Namespace: namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, binding, func() error {
		if err := controllerutil.SetControllerReference(user, binding, r.Scheme); err != nil {
			return err
		}
		binding.Subjects = []rbacv1.Subject{
			{Kind: rbacv1.UserKind, APIGroup: rbacv1.GroupName, Name: user.Spec.Username},
			{Kind: rbacv1.ServiceAccountKind, Name: UserServiceAccount(user.Spec.Username), Namespace: namespace},
		}
		binding.RoleRef = rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "Role",
			Name:     UserRoleName,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if op == controllerutil.OperationResultCreated {
		r.event(user, "ChildCreated", "Created RoleBinding "+binding.Name)
	}
	return nil
}

func (r *DevServerUserReconciler) ensureQuota(ctx context.Context, user *devserverv1.DevServerUser, namespace string) error {
	quota := &corev1.ResourceQuota{ObjectMeta: metav1.ObjectMeta{Name: UserQuotaName, Namespace: namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, quota, func() error {
		if err := controllerutil.SetControllerReference(user, quota, r.Scheme); err != nil {
			return err
		}
		quota.Spec.Hard = r.effectiveQuota(user)
		return nil
	})
	if err != nil {
		return err
	}
	if op == controllerutil.OperationResultCreated {
		r.event(user, "ChildCreated", "Created ResourceQuota "+quota.Name)
	}
	return nil
}

// effectiveQuota merges defaults with per-user overrides, overrides winning
// key by key.
func (r *DevServerUserReconciler) effectiveQuota(user *devserverv1.DevServerUser) corev1.ResourceList {
	merged := make(corev1.ResourceList, len(r.QuotaDefaults)+len(user.Spec.Quota))
	for name, quantity := range r.QuotaDefaults {
		merged[name] = quantity.DeepCopy()
	}
	for name, quantity := range user.Spec.Quota {
		merged[name] = quantity.DeepCopy()
	}
	return merged
}

func userRoleRules() []rbacv1.PolicyRule {
	fullVerbs := []string{"get", "list", "watch", "create", "update", "patch", "delete"}
	return []rbacv1.PolicyRule{
		{
			APIGroups: []string{devserverv1.GroupVersion.Group},
			Resources: []string{"devservers"},
			Verbs:     fullVerbs,
		},
		{
			APIGroups: []string{""},
			Resources: []string{"pods", "services", "persistentvolumeclaims", "configmaps", "secrets"},
			Verbs:     fullVerbs,
		},
		{
			APIGroups: []string{""},
			Resources: []string{"pods/portforward"},
			Verbs:     []string{"get", "create"},
		},
		{
			APIGroups: []string{""},
			Resources: []string{"pods/exec"},
			Verbs:     []string{"create"},
		},
	}
}

func (r *DevServerUserReconciler) reportFailure(ctx context.Context, user *devserverv1.DevServerUser, reconcileErr error) error {
	_ = r.writeStatus(ctx, user, func(status *devserverv1.DevServerUserStatus) {
		setCondition(&status.Conditions, metav1.Condition{
			Type:               CondReady,
			Status:             metav1.ConditionFalse,
			Reason:             "ProvisioningFailed",
			Message:            reconcileErr.Error(),
			ObservedGeneration: user.Generation,
		})
	})
	return reconcileErr
}

func (r *DevServerUserReconciler) writeStatus(ctx context.Context, user *devserverv1.DevServerUser, mutate func(*devserverv1.DevServerUserStatus)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		latest := &devserverv1.DevServerUser{}
		if err := r.Get(ctx, client.ObjectKeyFromObject(user), latest); err != nil {
			return client.IgnoreNotFound(err)
		}
		before := latest.Status.DeepCopy()
		mutate(&latest.Status)
		if apiequality.Semantic.DeepEqual(*before, latest.Status) {
			return nil
		}
		if err := r.Status().Update(ctx, latest); err != nil {
			return err
		}
		latest.Status.DeepCopyInto(&user.Status)
		return nil
	})
}

func (r *DevServerUserReconciler) event(user *devserverv1.DevServerUser, reason, message string) {
	if r.Recorder != nil {
		r.Recorder.Event(user, corev1.EventTypeNormal, reason, message)
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *DevServerUserReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&devserverv1.DevServerUser{}).
		Owns(&corev1.Namespace{}).
		Owns(&corev1.ServiceAccount{}).
		Owns(&rbacv1.Role{}).
		Owns(&rbacv1.RoleBinding{}).
		Owns(&corev1.ResourceQuota{}).
		Named("devserveruser").
		Complete(r)
}
