package resources

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	devserverv1 "devserver-operator/api/v1"
)

// BuildHomeClaim builds the single-writer home directory claim for a
// standalone DevServer. The claim spec is immutable after creation; only
// metadata is reconciled later.
func BuildHomeClaim(ds *devserverv1.DevServer) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      HomeClaimName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: ds.Spec.PersistentHomeSize,
				},
			},
		},
	}
}

// BuildDeployment builds the standalone workload: one replica backed by the
// pre-created home claim.
func BuildDeployment(ds *devserverv1.DevServer, flavor *devserverv1.DevServerFlavor) *appsv1.Deployment {
	template := podTemplate(ds, flavor, false)
	template.Spec.Volumes = append(template.Spec.Volumes, corev1.Volume{
		Name: "home",
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: HomeClaimName(ds.Name),
			},
		},
	})

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: Labels(ds.Name)},
			Template: template,
		},
	}
}

// BuildStatefulSet builds the distributed workload: worldSize ordered
// replicas, one home claim per replica via the claim template, peer
// discovery through the headless service.
func BuildStatefulSet(ds *devserverv1.DevServer, flavor *devserverv1.DevServerFlavor) *appsv1.StatefulSet {
	template := podTemplate(ds, flavor, true)

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:            ptr.To(ds.Spec.Distributed.WorldSize),
			ServiceName:         PeersServiceName(ds.Name),
			PodManagementPolicy: appsv1.OrderedReadyPodManagement,
			Selector:            &metav1.LabelSelector{MatchLabels: Labels(ds.Name)},
			Template:            template,
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{
				{
					ObjectMeta: metav1.ObjectMeta{Name: "home"},
					Spec: corev1.PersistentVolumeClaimSpec{
						AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
						Resources: corev1.VolumeResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceStorage: ds.Spec.PersistentHomeSize,
							},
						},
					},
				},
			},
		},
	}
}
