package resources

import (
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	devserverv1 "devserver-operator/api/v1"
)

// Image returns the effective container image for a DevServer.
func Image(ds *devserverv1.DevServer) string {
	if ds.Spec.Image != "" {
		return ds.Spec.Image
	}
	return DefaultImage
}

// podTemplate builds the shared pod template for both workload shapes. The
// container has no real entrypoint of its own; it idles so users can attach
// over SSH.
func podTemplate(ds *devserverv1.DevServer, flavor *devserverv1.DevServerFlavor, distributed bool) corev1.PodTemplateSpec {
	container := corev1.Container{
		Name:    "devserver",
		Image:   Image(ds),
		Command: []string{"sleep"},
		Args:    []string{"infinity"},
		Resources: corev1.ResourceRequirements{
			Requests: flavor.Spec.Resources.Requests,
			Limits:   flavor.Spec.Resources.Limits,
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "home", MountPath: HomeMountPath},
		},
		Env: []corev1.EnvVar{
			{Name: "DEVSERVER_OWNER", Value: ds.Spec.Owner},
			{Name: "DEVSERVER_MODE", Value: mode(ds)},
		},
	}

	var volumes []corev1.Volume

	if ds.Spec.EnableSSH {
		container.Ports = []corev1.ContainerPort{
			{Name: "ssh", ContainerPort: 22, Protocol: corev1.ProtocolTCP},
		}
		if ds.Spec.SSH != nil && ds.Spec.SSH.PublicKey != "" {
			container.Env = append(container.Env, corev1.EnvVar{
				Name:  "SSH_PUBLIC_KEY",
				Value: ds.Spec.SSH.PublicKey,
			})
		}
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "host-keys",
			MountPath: HostKeysMountPath,
			ReadOnly:  true,
		})
		keyMode := int32(0o600)
		volumes = append(volumes, corev1.Volume{
			Name: "host-keys",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName:  HostKeysSecretName(ds.Name),
					DefaultMode: &keyMode,
				},
			},
		})
	}

	if ds.Spec.SharedVolumeClaimName != "" {
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "shared",
			MountPath: SharedMountPath,
		})
		volumes = append(volumes, corev1.Volume{
			Name: "shared",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: ds.Spec.SharedVolumeClaimName,
				},
			},
		})
	}

	if distributed {
		container.Env = append(container.Env, distributedEnv(ds)...)
		// The ordinal is only known inside the pod; RANK is derived from the
		// stable pod name before the idle loop starts.
		container.Command = []string{"/bin/sh", "-c"}
		container.Args = []string{`export RANK="${POD_NAME##*-}"; exec sleep infinity`}
	}

	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{
			Labels: Labels(ds.Name),
		},
		Spec: corev1.PodSpec{
			Containers:   []corev1.Container{container},
			Volumes:      volumes,
			NodeSelector: flavor.Spec.NodeSelector,
			Tolerations:  flavor.Spec.Tolerations,
		},
	}
}

// distributedEnv renders the rendezvous environment plus any NCCL settings,
// sorted by key so rebuilt templates compare equal.
func distributedEnv(ds *devserverv1.DevServer) []corev1.EnvVar {
	cfg := ds.Spec.Distributed
	env := []corev1.EnvVar{
		{
			Name:      "POD_NAME",
			ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}},
		},
		{Name: "WORLD_SIZE", Value: fmt.Sprintf("%d", cfg.WorldSize)},
		{Name: "NPROCS_PER_NODE", Value: fmt.Sprintf("%d", nprocsPerNode(cfg))},
		{Name: "MASTER_ADDR", Value: MasterAddr(ds)},
		{Name: "MASTER_PORT", Value: fmt.Sprintf("%d", MasterPort)},
		{Name: "DIST_BACKEND", Value: backend(cfg)},
	}

	keys := make([]string, 0, len(cfg.NCCLSettings))
	for k := range cfg.NCCLSettings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: cfg.NCCLSettings[k]})
	}
	return env
}

// MasterAddr is the DNS name of replica 0 through the headless peers service.
func MasterAddr(ds *devserverv1.DevServer) string {
	return fmt.Sprintf("%s-0.%s.%s.svc", ds.Name, PeersServiceName(ds.Name), ds.Namespace)
}

func mode(ds *devserverv1.DevServer) string {
	if ds.Spec.Mode == "" {
		return devserverv1.ModeStandalone
	}
	return ds.Spec.Mode
}

func backend(cfg *devserverv1.DistributedConfig) string {
	if cfg.Backend == "" {
		return "nccl"
	}
	return cfg.Backend
}

func nprocsPerNode(cfg *devserverv1.DistributedConfig) int32 {
	if cfg.NProcsPerNode <= 0 {
		return 1
	}
	return cfg.NProcsPerNode
}
