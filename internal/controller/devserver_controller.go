package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	devserverv1 "devserver-operator/api/v1"
	"devserver-operator/internal/hostkeys"
	"devserver-operator/internal/lifecycle"
	"devserver-operator/internal/resources"
)

const (
	// DevServerFinalizer marks that this engine owns teardown for a DevServer.
	DevServerFinalizer = "devserver.devservers.io/finalizer"

	// sharedClaimAnnotation records the first-applied shared claim name so
	// later spec drift can be detected without patching the workload.
	sharedClaimAnnotation = "devserver.devservers.io/shared-volume-claim"

	// preconditionRequeue is the retry interval for missing collaborators
	// (flavor, shared claim).
	preconditionRequeue = 5 * time.Minute
)

// DevServerReconciler drives a DevServer toward its desired state.
type DevServerReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	// GenerateHostKeys produces host-key material for new secrets.
	// Defaults to hostkeys.Generate.
	GenerateHostKeys func() (map[string][]byte, error)

	// ReconcileDeadline bounds a single pass. Zero disables the bound.
	ReconcileDeadline time.Duration

	// DefaultRequeue is the upper bound between reconciles of a healthy
	// DevServer.
	DefaultRequeue time.Duration

	// WorkerCount configures MaxConcurrentReconciles.
	WorkerCount int

	// Clock is swappable for expiration tests. Defaults to time.Now.
	Clock func() time.Time
}

// +kubebuilder:rbac:groups=devserver.io,resources=devservers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=devserver.io,resources=devservers/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=devserver.io,resources=devservers/finalizers,verbs=update
// +kubebuilder:rbac:groups=devserver.io,resources=devserverflavors,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=services;persistentvolumeclaims;configmaps;secrets;pods,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile is the main reconciliation loop for DevServers.
func (r *DevServerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if r.ReconcileDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ReconcileDeadline)
		defer cancel()
	}

	var ds devserverv1.DevServer
	if err := r.Get(ctx, req.NamespacedName, &ds); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !ds.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &ds)
	}

	if !controllerutil.ContainsFinalizer(&ds, DevServerFinalizer) {
		controllerutil.AddFinalizer(&ds, DevServerFinalizer)
		if err := r.Update(ctx, &ds); err != nil {
			return ctrl.Result{}, err
		}
		r.event(&ds, corev1.EventTypeNormal, "FinalizerAdded", "Finalizer added")
		return ctrl.Result{Requeue: true}, nil
	}

	// A validation failure is pinned to the generation it was observed on;
	// nothing changes until the spec does.
	if r.failedForGeneration(&ds) {
		return ctrl.Result{}, nil
	}

	// One-shot TTL materialization.
	if lc := ds.Spec.Lifecycle; lc != nil && lc.TimeToLive != "" && lc.ExpirationTime == nil {
		exp, err := lifecycle.ExpirationFromTTL(ds.CreationTimestamp, lc.TimeToLive)
		if err != nil {
			return r.failValidation(ctx, &ds, ReasonInvalidDuration,
				fmt.Sprintf("cannot parse timeToLive %q: %v", lc.TimeToLive, err))
		}
		ds.Spec.Lifecycle.ExpirationTime = &exp
		if err := r.Update(ctx, &ds); err != nil {
			return ctrl.Result{}, err
		}
		logger.Info("Materialized expiration time", "devserver", ds.Name, "expirationTime", exp)
		return ctrl.Result{Requeue: true}, nil
	}

	requeueAfter := r.defaultRequeue()
	if lc := ds.Spec.Lifecycle; lc != nil && lc.ExpirationTime != nil {
		now := r.now()
		if !now.Before(lc.ExpirationTime.Time) {
			logger.Info("DevServer expired, deleting", "devserver", ds.Name)
			r.event(&ds, corev1.EventTypeNormal, "Expired", "Expiration time reached")
			if err := r.Delete(ctx, &ds); err != nil {
				return ctrl.Result{}, client.IgnoreNotFound(err)
			}
			return ctrl.Result{}, nil
		}
		if remaining := lc.ExpirationTime.Sub(now); remaining < requeueAfter {
			requeueAfter = remaining
		}
	}

	if err := validateSpec(&ds); err != nil {
		return r.failValidation(ctx, &ds, ReasonInvalidSpec, err.Error())
	}

	var flavor devserverv1.DevServerFlavor
	if err := r.Get(ctx, types.NamespacedName{Name: ds.Spec.Flavor}, &flavor); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Flavor not found", "devserver", ds.Name, "flavor", ds.Spec.Flavor)
			r.event(&ds, corev1.EventTypeWarning, "FlavorNotFound",
				fmt.Sprintf("DevServerFlavor %q does not exist", ds.Spec.Flavor))
			err := r.writeStatus(ctx, &ds, func(status *devserverv1.DevServerStatus) {
				status.Phase = devserverv1.PhaseFailed
				status.Ready = false
				setCondition(&status.Conditions, metav1.Condition{
					Type:               CondReady,
					Status:             metav1.ConditionFalse,
					Reason:             ReasonFlavorNotFound,
					Message:            fmt.Sprintf("flavor %q not found", ds.Spec.Flavor),
					ObservedGeneration: ds.Generation,
				})
			})
			if err != nil {
				return ctrl.Result{}, err
			}
			return ctrl.Result{RequeueAfter: preconditionRequeue}, nil
		}
		return ctrl.Result{}, err
	}

	// Shared claim precondition: the claim is user-provided, not owned.
	sharedClaim, degradedShared := r.effectiveSharedClaim(&ds)
	if sharedClaim != "" {
		var pvc corev1.PersistentVolumeClaim
		err := r.Get(ctx, types.NamespacedName{Name: sharedClaim, Namespace: ds.Namespace}, &pvc)
		if apierrors.IsNotFound(err) {
			err := r.writeStatus(ctx, &ds, func(status *devserverv1.DevServerStatus) {
				status.Phase = devserverv1.PhasePending
				status.Ready = false
				setCondition(&status.Conditions, metav1.Condition{
					Type:               CondReady,
					Status:             metav1.ConditionFalse,
					Reason:             ReasonSharedVolumeMissing,
					Message:            fmt.Sprintf("shared volume claim %q not found", sharedClaim),
					ObservedGeneration: ds.Generation,
				})
			})
			if err != nil {
				return ctrl.Result{}, err
			}
			return ctrl.Result{RequeueAfter: preconditionRequeue}, nil
		}
		if err != nil {
			return ctrl.Result{}, err
		}
	}

	degraded := r.degradedReasons(&ds, degradedShared)

	if ds.Spec.EnableSSH {
		if err := r.ensureHostKeysSecret(ctx, &ds); err != nil {
			return ctrl.Result{}, err
		}
	}

	var ready bool
	var podNames []string
	switch mode(&ds) {
	case devserverv1.ModeDistributed:
		var err error
		ready, podNames, err = r.reconcileDistributed(ctx, &ds, &flavor, sharedClaim, &degraded)
		if err != nil {
			return ctrl.Result{}, err
		}
	default:
		var err error
		ready, podNames, err = r.reconcileStandalone(ctx, &ds, &flavor, sharedClaim, &degraded)
		if err != nil {
			return ctrl.Result{}, err
		}
	}

	if ds.Spec.EnableSSH {
		if err := r.ensureService(ctx, &ds, resources.BuildSSHService(&ds)); err != nil {
			return ctrl.Result{}, err
		}
	}

	// Record first-applied immutables once children exist.
	if err := r.recordImmutables(ctx, &ds); err != nil {
		return ctrl.Result{}, err
	}

	wasReady := ds.Status.Ready
	if err := r.projectStatus(ctx, &ds, ready, podNames, degraded); err != nil {
		return ctrl.Result{}, err
	}
	if ready && !wasReady {
		r.event(&ds, corev1.EventTypeNormal, "Ready", "All children ready")
	}

	return ctrl.Result{RequeueAfter: requeueAfter}, nil
}

// finalize runs the deletion path. Children disappear through owner
// references; only the finalizer is our responsibility.
func (r *DevServerReconciler) finalize(ctx context.Context, ds *devserverv1.DevServer) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(ds, DevServerFinalizer) {
		return ctrl.Result{}, nil
	}

	_ = r.writeStatus(ctx, ds, func(status *devserverv1.DevServerStatus) {
		status.Phase = devserverv1.PhaseTerminating
		status.Ready = false
		setCondition(&status.Conditions, metav1.Condition{
			Type:               CondReady,
			Status:             metav1.ConditionFalse,
			Reason:             ReasonTerminating,
			Message:            "DevServer is being deleted",
			ObservedGeneration: ds.Generation,
		})
	})

	// The status write moved the resourceVersion; drop the finalizer on a
	// fresh read so the update does not conflict.
	latest := &devserverv1.DevServer{}
	if err := r.Get(ctx, client.ObjectKeyFromObject(ds), latest); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	controllerutil.RemoveFinalizer(latest, DevServerFinalizer)
	if err := r.Update(ctx, latest); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	log.FromContext(ctx).Info("Finalizer removed", "devserver", ds.Name)
	return ctrl.Result{}, nil
}

func (r *DevServerReconciler) reconcileStandalone(ctx context.Context, ds *devserverv1.DevServer, flavor *devserverv1.DevServerFlavor, sharedClaim string, degraded *[]metav1.Condition) (bool, []string, error) {
	if err := r.ensureHomeClaim(ctx, ds, degraded); err != nil {
		return false, nil, err
	}

	// A mode flip leaves the other workload shape behind; remove it so two
	// workloads never share the selector.
	if err := r.deleteIfExists(ctx, &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{
		Name: resources.WorkloadName(ds.Name), Namespace: ds.Namespace}}); err != nil {
		return false, nil, err
	}

	effective := ds.DeepCopy()
	effective.Spec.SharedVolumeClaimName = sharedClaim
	desired := resources.BuildDeployment(effective, flavor)

	var current appsv1.Deployment
	err := r.Get(ctx, client.ObjectKeyFromObject(desired), &current)
	switch {
	case apierrors.IsNotFound(err):
		if err := controllerutil.SetControllerReference(ds, desired, r.Scheme); err != nil {
			return false, nil, err
		}
		if err := r.Create(ctx, desired); err != nil {
			return false, nil, err
		}
		r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created Deployment "+desired.Name)
		return false, nil, nil
	case err != nil:
		return false, nil, err
	}

	if !workloadSpecEqual(&current.Spec.Template, &desired.Spec.Template) ||
		derefReplicas(current.Spec.Replicas) != derefReplicas(desired.Spec.Replicas) {
		current.Spec.Replicas = desired.Spec.Replicas
		current.Spec.Template = desired.Spec.Template
		current.Labels = desired.Labels
		if err := r.Update(ctx, &current); err != nil {
			return false, nil, err
		}
		r.event(ds, corev1.EventTypeNormal, "ChildPatched", "Patched Deployment "+current.Name)
	}

	ready := current.Status.ReadyReplicas == derefReplicas(desired.Spec.Replicas) &&
		current.Status.ReadyReplicas > 0
	podNames, err := r.listPodNames(ctx, ds)
	return ready, podNames, err
}

func (r *DevServerReconciler) reconcileDistributed(ctx context.Context, ds *devserverv1.DevServer, flavor *devserverv1.DevServerFlavor, sharedClaim string, degraded *[]metav1.Condition) (bool, []string, error) {
	if err := r.deleteIfExists(ctx, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{
		Name: resources.WorkloadName(ds.Name), Namespace: ds.Namespace}}); err != nil {
		return false, nil, err
	}

	if err := r.ensureService(ctx, ds, resources.BuildPeersService(ds)); err != nil {
		return false, nil, err
	}
	if err := r.ensureConfigMap(ctx, ds); err != nil {
		return false, nil, err
	}

	effective := ds.DeepCopy()
	effective.Spec.SharedVolumeClaimName = sharedClaim
	desired := resources.BuildStatefulSet(effective, flavor)

	var current appsv1.StatefulSet
	err := r.Get(ctx, client.ObjectKeyFromObject(desired), &current)
	switch {
	case apierrors.IsNotFound(err):
		if err := controllerutil.SetControllerReference(ds, desired, r.Scheme); err != nil {
			return false, nil, err
		}
		if err := r.Create(ctx, desired); err != nil {
			return false, nil, err
		}
		r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created StatefulSet "+desired.Name)
		return false, nil, nil
	case err != nil:
		return false, nil, err
	}

	// Volume claim templates and serviceName are immutable; only replicas,
	// template and labels are reconciled.
	if !workloadSpecEqual(&current.Spec.Template, &desired.Spec.Template) ||
		derefReplicas(current.Spec.Replicas) != derefReplicas(desired.Spec.Replicas) {
		current.Spec.Replicas = desired.Spec.Replicas
		current.Spec.Template = desired.Spec.Template
		current.Labels = desired.Labels
		if err := r.Update(ctx, &current); err != nil {
			return false, nil, err
		}
		r.event(ds, corev1.EventTypeNormal, "ChildPatched", "Patched StatefulSet "+current.Name)
	}

	ready := current.Status.ReadyReplicas == ds.Spec.Distributed.WorldSize
	podNames, err := r.listPodNames(ctx, ds)
	return ready, podNames, err
}

// ensureHomeClaim creates the home claim once and afterwards reconciles
// metadata only; the claim spec is immutable.
func (r *DevServerReconciler) ensureHomeClaim(ctx context.Context, ds *devserverv1.DevServer, degraded *[]metav1.Condition) error {
	desired := resources.BuildHomeClaim(ds)

	var current corev1.PersistentVolumeClaim
	err := r.Get(ctx, client.ObjectKeyFromObject(desired), &current)
	if apierrors.IsNotFound(err) {
		if err := controllerutil.SetControllerReference(ds, desired, r.Scheme); err != nil {
			return err
		}
		if err := r.Create(ctx, desired); err != nil {
			return err
		}
		r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created PersistentVolumeClaim "+desired.Name)
		return nil
	}
	if err != nil {
		return err
	}

	stored := current.Spec.Resources.Requests[corev1.ResourceStorage]
	if stored.Cmp(ds.Spec.PersistentHomeSize) != 0 {
		setCondition(degraded, metav1.Condition{
			Type:               CondDegraded,
			Status:             metav1.ConditionTrue,
			Reason:             ReasonImmutableField,
			Message:            fmt.Sprintf("persistentHomeSize is immutable; claim keeps %s", stored.String()),
			ObservedGeneration: ds.Generation,
		})
	}

	if !metav1.IsControlledBy(&current, ds) {
		if err := controllerutil.SetControllerReference(ds, &current, r.Scheme); err != nil {
			return err
		}
		return r.Update(ctx, &current)
	}
	return nil
}

// ensureService applies create-or-patch semantics without ever touching the
// allocated clusterIP.
func (r *DevServerReconciler) ensureService(ctx context.Context, ds *devserverv1.DevServer, desired *corev1.Service) error {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, svc, func() error {
		if err := controllerutil.SetControllerReference(ds, svc, r.Scheme); err != nil {
			return err
		}
		svc.Labels = desired.Labels
		svc.Spec.Type = desired.Spec.Type
		svc.Spec.Selector = desired.Spec.Selector
		svc.Spec.Ports = desired.Spec.Ports
		svc.Spec.PublishNotReadyAddresses = desired.Spec.PublishNotReadyAddresses
		if svc.CreationTimestamp.IsZero() {
			svc.Spec.ClusterIP = desired.Spec.ClusterIP
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch op {
	case controllerutil.OperationResultCreated:
		r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created Service "+svc.Name)
	case controllerutil.OperationResultUpdated:
		r.event(ds, corev1.EventTypeNormal, "ChildPatched", "Patched Service "+svc.Name)
	}
	return nil
}

func (r *DevServerReconciler) ensureConfigMap(ctx context.Context, ds *devserverv1.DevServer) error {
	desired := resources.BuildPeerConfigMap(ds)
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, cm, func() error {
		if err := controllerutil.SetControllerReference(ds, cm, r.Scheme); err != nil {
			return err
		}
		cm.Labels = desired.Labels
		cm.Data = desired.Data
		return nil
	})
	if err != nil {
		return err
	}
	switch op {
	case controllerutil.OperationResultCreated:
		r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created ConfigMap "+cm.Name)
	case controllerutil.OperationResultUpdated:
		r.event(ds, corev1.EventTypeNormal, "ChildPatched", "Patched ConfigMap "+cm.Name)
	}
	return nil
}

// ensureHostKeysSecret generates keys exactly once. An existing secret is
// never regenerated or patched.
func (r *DevServerReconciler) ensureHostKeysSecret(ctx context.Context, ds *devserverv1.DevServer) error {
	name := types.NamespacedName{Name: resources.HostKeysSecretName(ds.Name), Namespace: ds.Namespace}
	var existing corev1.Secret
	err := r.Get(ctx, name, &existing)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	generate := r.GenerateHostKeys
	if generate == nil {
		generate = hostkeys.Generate
	}
	keys, err := generate()
	if err != nil {
		return fmt.Errorf("generate host keys: %w", err)
	}
	secret := resources.BuildHostKeysSecret(ds, keys)
	if err := controllerutil.SetControllerReference(ds, secret, r.Scheme); err != nil {
		return err
	}
	if err := r.Create(ctx, secret); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	r.event(ds, corev1.EventTypeNormal, "ChildCreated", "Created Secret "+secret.Name)
	return nil
}

func (r *DevServerReconciler) deleteIfExists(ctx context.Context, obj client.Object) error {
	err := r.Delete(ctx, obj)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// effectiveSharedClaim returns the claim name children must use. Once the
// first successful reconcile records the name, spec drift is reported but
// never applied.
func (r *DevServerReconciler) effectiveSharedClaim(ds *devserverv1.DevServer) (string, bool) {
	recorded, ok := ds.Annotations[sharedClaimAnnotation]
	if !ok {
		return ds.Spec.SharedVolumeClaimName, false
	}
	return recorded, recorded != ds.Spec.SharedVolumeClaimName
}

// recordImmutables pins the first-applied shared claim name in an
// annotation after children exist.
func (r *DevServerReconciler) recordImmutables(ctx context.Context, ds *devserverv1.DevServer) error {
	if _, ok := ds.Annotations[sharedClaimAnnotation]; ok {
		return nil
	}
	if ds.Annotations == nil {
		ds.Annotations = map[string]string{}
	}
	ds.Annotations[sharedClaimAnnotation] = ds.Spec.SharedVolumeClaimName
	return r.Update(ctx, ds)
}

func (r *DevServerReconciler) degradedReasons(ds *devserverv1.DevServer, sharedDrift bool) []metav1.Condition {
	var degraded []metav1.Condition
	if sharedDrift {
		setCondition(&degraded, metav1.Condition{
			Type:               CondDegraded,
			Status:             metav1.ConditionTrue,
			Reason:             ReasonImmutableField,
			Message:            "sharedVolumeClaimName is immutable; keeping the first-applied value",
			ObservedGeneration: ds.Generation,
		})
	}
	if lc := ds.Spec.Lifecycle; lc != nil && lc.AutoShutdown && lc.IdleTimeout > 0 {
		setCondition(&degraded, metav1.Condition{
			Type:               CondDegraded,
			Status:             metav1.ConditionTrue,
			Reason:             ReasonIdlePolicyUnspecified,
			Message:            "autoShutdown with idleTimeout has no defined transition; idle shutdown is not applied",
			ObservedGeneration: ds.Generation,
		})
	}
	return degraded
}

// projectStatus writes the end-of-reconcile status in a single update.
func (r *DevServerReconciler) projectStatus(ctx context.Context, ds *devserverv1.DevServer, ready bool, podNames []string, degraded []metav1.Condition) error {
	hadDegraded := findCondition(ds.Status.Conditions, CondDegraded) != nil
	return r.writeStatus(ctx, ds, func(status *devserverv1.DevServerStatus) {
		status.PodNames = podNames
		if ready {
			status.Phase = devserverv1.PhaseRunning
			status.Ready = true
			if status.StartTime == nil {
				now := metav1.NewTime(r.now())
				status.StartTime = &now
			}
			setCondition(&status.Conditions, metav1.Condition{
				Type:               CondReady,
				Status:             metav1.ConditionTrue,
				Reason:             ReasonReady,
				Message:            "all owned children are ready",
				ObservedGeneration: ds.Generation,
			})
		} else {
			status.Phase = devserverv1.PhasePending
			status.Ready = false
			setCondition(&status.Conditions, metav1.Condition{
				Type:               CondReady,
				Status:             metav1.ConditionFalse,
				Reason:             ReasonPending,
				Message:            "waiting for owned children to become ready",
				ObservedGeneration: ds.Generation,
			})
		}

		if ds.Spec.EnableSSH {
			status.ServiceName = resources.SSHServiceName(ds.Name)
			status.SSHEndpoint = resources.SSHEndpoint(ds)
		} else {
			status.ServiceName = ""
			status.SSHEndpoint = ""
		}

		if len(degraded) > 0 {
			for _, cond := range degraded {
				if setCondition(&status.Conditions, cond) {
					r.event(ds, corev1.EventTypeWarning, "Degraded", cond.Message)
				}
			}
		} else if hadDegraded {
			removeCondition(&status.Conditions, CondDegraded)
		}
	})
}

// failValidation pins a Failed phase to the current generation. The item is
// not requeued; a spec change produces a new event.
func (r *DevServerReconciler) failValidation(ctx context.Context, ds *devserverv1.DevServer, reason, message string) (ctrl.Result, error) {
	log.FromContext(ctx).Info("DevServer spec rejected", "devserver", ds.Name, "reason", reason, "message", message)
	r.event(ds, corev1.EventTypeWarning, "Failed", message)
	err := r.writeStatus(ctx, ds, func(status *devserverv1.DevServerStatus) {
		status.Phase = devserverv1.PhaseFailed
		status.Ready = false
		setCondition(&status.Conditions, metav1.Condition{
			Type:               CondReady,
			Status:             metav1.ConditionFalse,
			Reason:             reason,
			Message:            message,
			ObservedGeneration: ds.Generation,
		})
	})
	return ctrl.Result{}, err
}

// failedForGeneration reports whether the current generation already failed
// validation.
func (r *DevServerReconciler) failedForGeneration(ds *devserverv1.DevServer) bool {
	if ds.Status.Phase != devserverv1.PhaseFailed {
		return false
	}
	cond := findCondition(ds.Status.Conditions, CondReady)
	if cond == nil || cond.ObservedGeneration != ds.Generation {
		return false
	}
	return cond.Reason == ReasonInvalidDuration || cond.Reason == ReasonInvalidSpec
}

// writeStatus applies mutate on a fresh read and retries bounded conflicts.
func (r *DevServerReconciler) writeStatus(ctx context.Context, ds *devserverv1.DevServer, mutate func(*devserverv1.DevServerStatus)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		latest := &devserverv1.DevServer{}
		if err := r.Get(ctx, client.ObjectKeyFromObject(ds), latest); err != nil {
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
		latest.Status.DeepCopyInto(&ds.Status)
		return nil
	})
}

func (r *DevServerReconciler) listPodNames(ctx context.Context, ds *devserverv1.DevServer) ([]string, error) {
	var pods corev1.PodList
	if err := r.List(ctx, &pods, client.InNamespace(ds.Namespace), client.MatchingLabels(resources.Labels(ds.Name))); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, nil
	}
	return names, nil
}

func (r *DevServerReconciler) event(ds *devserverv1.DevServer, eventType, reason, message string) {
	if r.Recorder != nil {
		r.Recorder.Event(ds, eventType, reason, message)
	}
}

func (r *DevServerReconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *DevServerReconciler) defaultRequeue() time.Duration {
	if r.DefaultRequeue > 0 {
		return r.DefaultRequeue
	}
	return 30 * time.Minute
}

func validateSpec(ds *devserverv1.DevServer) error {
	switch ds.Spec.Mode {
	case "", devserverv1.ModeStandalone:
	case devserverv1.ModeDistributed:
		if ds.Spec.Distributed == nil {
			return fmt.Errorf("mode is distributed but spec.distributed is not set")
		}
		if ds.Spec.Distributed.WorldSize < 1 {
			return fmt.Errorf("distributed.worldSize must be at least 1, got %d", ds.Spec.Distributed.WorldSize)
		}
	default:
		return fmt.Errorf("unknown mode %q", ds.Spec.Mode)
	}
	if ds.Spec.Owner == "" {
		return fmt.Errorf("spec.owner is required")
	}
	if ds.Spec.Flavor == "" {
		return fmt.Errorf("spec.flavor is required")
	}
	return nil
}

func mode(ds *devserverv1.DevServer) string {
	if ds.Spec.Mode == "" {
		return devserverv1.ModeStandalone
	}
	return ds.Spec.Mode
}

func derefReplicas(replicas *int32) int32 {
	if replicas == nil {
		return 1
	}
	return *replicas
}

// workloadSpecEqual compares the fields the engine actually reconciles.
func workloadSpecEqual(current, desired *corev1.PodTemplateSpec) bool {
	if !equalStringMaps(current.Labels, desired.Labels) {
		return false
	}
	if len(current.Spec.Containers) != len(desired.Spec.Containers) {
		return false
	}
	for i := range desired.Spec.Containers {
		c, d := current.Spec.Containers[i], desired.Spec.Containers[i]
		if c.Image != d.Image || !equalStringSlices(c.Command, d.Command) || !equalStringSlices(c.Args, d.Args) {
			return false
		}
		if !apiequality.Semantic.DeepEqual(c.Resources, d.Resources) {
			return false
		}
		if len(c.Env) != len(d.Env) || len(c.VolumeMounts) != len(d.VolumeMounts) {
			return false
		}
		for j := range d.Env {
			if c.Env[j].Name != d.Env[j].Name || c.Env[j].Value != d.Env[j].Value {
				return false
			}
		}
	}
	if len(current.Spec.Volumes) != len(desired.Spec.Volumes) {
		return false
	}
	if !equalStringMaps(current.Spec.NodeSelector, desired.Spec.NodeSelector) {
		return false
	}
	return true
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetupWithManager sets up the controller with the Manager.
func (r *DevServerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	workers := r.WorkerCount
	if workers < 1 {
		workers = 4
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&devserverv1.DevServer{}).
		Owns(&appsv1.Deployment{}).
		Owns(&appsv1.StatefulSet{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.PersistentVolumeClaim{}).
		Owns(&corev1.ConfigMap{}).
		Owns(&corev1.Secret{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: workers}).
		Named("devserver").
		Complete(r)
}
