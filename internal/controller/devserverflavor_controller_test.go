package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	devserverv1 "devserver-operator/api/v1"
)

func reconcileFlavor(t *testing.T, flavor *devserverv1.DevServerFlavor) *devserverv1.DevServerFlavor {
	t.Helper()
	scheme := newScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(flavor).
		WithStatusSubresource(&devserverv1.DevServerFlavor{}).
		Build()
	r := &DevServerFlavorReconciler{Client: c, Scheme: scheme}

	_, err := r.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: flavor.Name},
	})
	require.NoError(t, err)

	got := &devserverv1.DevServerFlavor{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: flavor.Name}, got))
	return got
}

func TestFlavorValid(t *testing.T) {
	flavor := &devserverv1.DevServerFlavor{
		ObjectMeta: metav1.ObjectMeta{Name: "gpu-large", Generation: 1},
		Spec: devserverv1.DevServerFlavorSpec{
			Resources: devserverv1.FlavorResources{
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("8"),
					corev1.ResourceMemory: resource.MustParse("32Gi"),
				},
				Limits: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("16"),
					corev1.ResourceMemory: resource.MustParse("64Gi"),
				},
			},
			NodeSelector: map[string]string{"accelerator": "nvidia-a100"},
			Tolerations: []corev1.Toleration{
				{Key: "nvidia.com/gpu", Operator: corev1.TolerationOpExists, Effect: corev1.TaintEffectNoSchedule},
			},
		},
	}

	got := reconcileFlavor(t, flavor)
	cond := findCondition(got.Status.Conditions, CondAvailable)
	require.NotNil(t, cond)
	assert.Equal(t, metav1.ConditionTrue, cond.Status)
	assert.Equal(t, int64(1), cond.ObservedGeneration)
}

func TestFlavorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*devserverv1.DevServerFlavorSpec)
		valid  bool
	}{
		{
			name:   "requests within limits",
			mutate: func(*devserverv1.DevServerFlavorSpec) {},
			valid:  true,
		},
		{
			name: "request exceeds limit",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.Resources.Requests[corev1.ResourceCPU] = resource.MustParse("32")
			},
			valid: false,
		},
		{
			name: "request without matching limit",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.Resources.Requests["nvidia.com/gpu"] = resource.MustParse("8")
			},
			valid: true,
		},
		{
			name: "empty nodeSelector key",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.NodeSelector = map[string]string{"": "oops"}
			},
			valid: false,
		},
		{
			name: "exists toleration with value",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.Tolerations = []corev1.Toleration{
					{Key: "k", Operator: corev1.TolerationOpExists, Value: "v"},
				}
			},
			valid: false,
		},
		{
			name: "unknown toleration effect",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.Tolerations = []corev1.Toleration{
					{Key: "k", Operator: corev1.TolerationOpEqual, Value: "v", Effect: "Sideways"},
				}
			},
			valid: false,
		},
		{
			name: "empty key requires exists",
			mutate: func(s *devserverv1.DevServerFlavorSpec) {
				s.Tolerations = []corev1.Toleration{
					{Operator: corev1.TolerationOpEqual, Value: "v"},
				}
			},
			valid: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flavor := &devserverv1.DevServerFlavor{
				ObjectMeta: metav1.ObjectMeta{Name: "under-test"},
				Spec: devserverv1.DevServerFlavorSpec{
					Resources: devserverv1.FlavorResources{
						Requests: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("8")},
						Limits:   corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("16")},
					},
				},
			}
			tt.mutate(&flavor.Spec)

			got := reconcileFlavor(t, flavor)
			cond := findCondition(got.Status.Conditions, CondAvailable)
			require.NotNil(t, cond)
			if tt.valid {
				assert.Equal(t, metav1.ConditionTrue, cond.Status)
			} else {
				assert.Equal(t, metav1.ConditionFalse, cond.Status)
				assert.Equal(t, "Invalid", cond.Reason)
			}
		})
	}
}
