package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	devserverv1 "devserver-operator/api/v1"
)

func testFlavor() *devserverv1.DevServerFlavor {
	return &devserverv1.DevServerFlavor{
		ObjectMeta: metav1.ObjectMeta{Name: "cpu-small"},
		Spec: devserverv1.DevServerFlavorSpec{
			Resources: devserverv1.FlavorResources{
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("2"),
					corev1.ResourceMemory: resource.MustParse("4Gi"),
				},
				Limits: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("4"),
					corev1.ResourceMemory: resource.MustParse("8Gi"),
				},
			},
			NodeSelector: map[string]string{"pool": "dev"},
			Tolerations: []corev1.Toleration{
				{Key: "dedicated", Operator: corev1.TolerationOpEqual, Value: "dev", Effect: corev1.TaintEffectNoSchedule},
			},
		},
	}
}

func testDevServer() *devserverv1.DevServer {
	return &devserverv1.DevServer{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "dev-alice"},
		Spec: devserverv1.DevServerSpec{
			Owner:              "alice@example.com",
			Flavor:             "cpu-small",
			Image:              "ubuntu:22.04",
			Mode:               devserverv1.ModeStandalone,
			PersistentHomeSize: resource.MustParse("100Gi"),
			EnableSSH:          true,
		},
	}
}

func TestChildNames(t *testing.T) {
	assert.Equal(t, "demo-home", HomeClaimName("demo"))
	assert.Equal(t, "demo", WorkloadName("demo"))
	assert.Equal(t, "demo-ssh", SSHServiceName("demo"))
	assert.Equal(t, "demo-peers", PeersServiceName("demo"))
	assert.Equal(t, "demo-hostkeys", HostKeysSecretName("demo"))
	assert.Equal(t, "demo-config", ConfigMapName("demo"))
}

func TestBuildHomeClaim(t *testing.T) {
	ds := testDevServer()
	pvc := BuildHomeClaim(ds)

	assert.Equal(t, "demo-home", pvc.Name)
	assert.Equal(t, "dev-alice", pvc.Namespace)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, pvc.Spec.AccessModes)
	assert.Equal(t, resource.MustParse("100Gi"), pvc.Spec.Resources.Requests[corev1.ResourceStorage])
}

func TestBuildDeployment(t *testing.T) {
	ds := testDevServer()
	flavor := testFlavor()
	dep := BuildDeployment(ds, flavor)

	require.NotNil(t, dep.Spec.Replicas)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, Labels("demo"), dep.Spec.Selector.MatchLabels)
	assert.Equal(t, Labels("demo"), dep.Spec.Template.Labels)

	require.Len(t, dep.Spec.Template.Spec.Containers, 1)
	c := dep.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "ubuntu:22.04", c.Image)
	assert.Equal(t, []string{"sleep"}, c.Command)
	assert.Equal(t, []string{"infinity"}, c.Args)
	assert.Equal(t, flavor.Spec.Resources.Requests, c.Resources.Requests)
	assert.Equal(t, flavor.Spec.Resources.Limits, c.Resources.Limits)
	assert.Equal(t, map[string]string{"pool": "dev"}, dep.Spec.Template.Spec.NodeSelector)
	assert.Equal(t, flavor.Spec.Tolerations, dep.Spec.Template.Spec.Tolerations)

	env := envMap(c.Env)
	assert.Equal(t, "alice@example.com", env["DEVSERVER_OWNER"])
	assert.Equal(t, "standalone", env["DEVSERVER_MODE"])

	mounts := mountMap(c.VolumeMounts)
	assert.Equal(t, HomeMountPath, mounts["home"])
	assert.Equal(t, HostKeysMountPath, mounts["host-keys"])

	var homeVolume *corev1.Volume
	for i := range dep.Spec.Template.Spec.Volumes {
		if dep.Spec.Template.Spec.Volumes[i].Name == "home" {
			homeVolume = &dep.Spec.Template.Spec.Volumes[i]
		}
	}
	require.NotNil(t, homeVolume)
	assert.Equal(t, "demo-home", homeVolume.PersistentVolumeClaim.ClaimName)
}

func TestBuildDeploymentDefaultsImage(t *testing.T) {
	ds := testDevServer()
	ds.Spec.Image = ""
	dep := BuildDeployment(ds, testFlavor())
	assert.Equal(t, DefaultImage, dep.Spec.Template.Spec.Containers[0].Image)
}

func TestBuildDeploymentSharedVolume(t *testing.T) {
	ds := testDevServer()
	ds.Spec.SharedVolumeClaimName = "team-efs"
	dep := BuildDeployment(ds, testFlavor())

	mounts := mountMap(dep.Spec.Template.Spec.Containers[0].VolumeMounts)
	assert.Equal(t, SharedMountPath, mounts["shared"])

	found := false
	for _, v := range dep.Spec.Template.Spec.Volumes {
		if v.Name == "shared" {
			found = true
			assert.Equal(t, "team-efs", v.PersistentVolumeClaim.ClaimName)
		}
	}
	assert.True(t, found, "shared volume should be present")
}

func TestBuildDeploymentWithoutSSH(t *testing.T) {
	ds := testDevServer()
	ds.Spec.EnableSSH = false
	dep := BuildDeployment(ds, testFlavor())

	c := dep.Spec.Template.Spec.Containers[0]
	assert.Empty(t, c.Ports)
	mounts := mountMap(c.VolumeMounts)
	assert.NotContains(t, mounts, "host-keys")
}

func TestBuildStatefulSet(t *testing.T) {
	ds := testDevServer()
	ds.Spec.Mode = devserverv1.ModeDistributed
	ds.Spec.Distributed = &devserverv1.DistributedConfig{
		WorldSize: 4,
		Backend:   "nccl",
		NCCLSettings: map[string]string{
			"NCCL_DEBUG":           "INFO",
			"NCCL_IB_DISABLE":      "1",
			"NCCL_SOCKET_NTHREADS": "2",
		},
	}
	sts := BuildStatefulSet(ds, testFlavor())

	require.NotNil(t, sts.Spec.Replicas)
	assert.Equal(t, int32(4), *sts.Spec.Replicas)
	assert.Equal(t, "demo-peers", sts.Spec.ServiceName)
	require.Len(t, sts.Spec.VolumeClaimTemplates, 1)
	assert.Equal(t, "home", sts.Spec.VolumeClaimTemplates[0].Name)
	assert.Equal(t, resource.MustParse("100Gi"),
		sts.Spec.VolumeClaimTemplates[0].Spec.Resources.Requests[corev1.ResourceStorage])

	env := envMap(sts.Spec.Template.Spec.Containers[0].Env)
	assert.Equal(t, "4", env["WORLD_SIZE"])
	assert.Equal(t, "demo-0.demo-peers.dev-alice.svc", env["MASTER_ADDR"])
	assert.Equal(t, "29500", env["MASTER_PORT"])
	assert.Equal(t, "nccl", env["DIST_BACKEND"])
	assert.Equal(t, "INFO", env["NCCL_DEBUG"])
	assert.Equal(t, "1", env["NCCL_IB_DISABLE"])
	assert.Equal(t, "2", env["NCCL_SOCKET_NTHREADS"])
}

func TestBuildStatefulSetEmptyNCCLSettings(t *testing.T) {
	ds := testDevServer()
	ds.Spec.Mode = devserverv1.ModeDistributed
	ds.Spec.Distributed = &devserverv1.DistributedConfig{WorldSize: 2}
	sts := BuildStatefulSet(ds, testFlavor())

	env := envMap(sts.Spec.Template.Spec.Containers[0].Env)
	for name := range env {
		assert.NotContains(t, name, "NCCL_", "no NCCL variables expected")
	}
	assert.Equal(t, "nccl", env["DIST_BACKEND"])
}

func TestBuilderDeterminism(t *testing.T) {
	ds := testDevServer()
	ds.Spec.Mode = devserverv1.ModeDistributed
	ds.Spec.Distributed = &devserverv1.DistributedConfig{
		WorldSize: 3,
		NCCLSettings: map[string]string{
			"NCCL_DEBUG":      "INFO",
			"NCCL_IB_DISABLE": "1",
			"NCCL_ALGO":       "Ring",
		},
	}
	flavor := testFlavor()

	first := BuildStatefulSet(ds, flavor)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildStatefulSet(ds, flavor))
	}
	assert.Equal(t, BuildDeployment(ds, flavor), BuildDeployment(ds, flavor))
	assert.Equal(t, BuildPeerConfigMap(ds), BuildPeerConfigMap(ds))
}

func TestBuildSSHService(t *testing.T) {
	svc := BuildSSHService(testDevServer())

	assert.Equal(t, "demo-ssh", svc.Name)
	assert.Equal(t, corev1.ServiceTypeClusterIP, svc.Spec.Type)
	assert.Equal(t, Labels("demo"), svc.Spec.Selector)
	require.Len(t, svc.Spec.Ports, 1)
	assert.Equal(t, int32(22), svc.Spec.Ports[0].Port)
}

func TestBuildPeersService(t *testing.T) {
	svc := BuildPeersService(testDevServer())

	assert.Equal(t, "demo-peers", svc.Name)
	assert.Equal(t, corev1.ClusterIPNone, svc.Spec.ClusterIP)
	assert.True(t, svc.Spec.PublishNotReadyAddresses)
}

func TestSSHEndpoint(t *testing.T) {
	assert.Equal(t, "demo-ssh.dev-alice.svc:22", SSHEndpoint(testDevServer()))
}

func TestBuildPeerConfigMap(t *testing.T) {
	ds := testDevServer()
	ds.Spec.Mode = devserverv1.ModeDistributed
	ds.Spec.Distributed = &devserverv1.DistributedConfig{WorldSize: 2, Backend: "gloo"}
	cm := BuildPeerConfigMap(ds)

	assert.Equal(t, "demo-config", cm.Name)
	assert.Equal(t, "demo-0.demo-peers.dev-alice.svc", cm.Data["master_addr"])
	assert.Equal(t, "29500", cm.Data["master_port"])
	assert.Equal(t, "2", cm.Data["world_size"])
	assert.Equal(t, "gloo", cm.Data["backend"])
	assert.Equal(t, "demo-0.demo-peers.dev-alice.svc\ndemo-1.demo-peers.dev-alice.svc", cm.Data["peers"])
}

func TestBuildHostKeysSecret(t *testing.T) {
	keys := map[string][]byte{"ssh_host_ed25519_key": []byte("private")}
	secret := BuildHostKeysSecret(testDevServer(), keys)

	assert.Equal(t, "demo-hostkeys", secret.Name)
	assert.Equal(t, corev1.SecretTypeOpaque, secret.Type)
	assert.Equal(t, keys, secret.Data)
}

func envMap(env []corev1.EnvVar) map[string]string {
	out := make(map[string]string, len(env))
	for _, e := range env {
		out[e.Name] = e.Value
	}
	return out
}

func mountMap(mounts []corev1.VolumeMount) map[string]string {
	out := make(map[string]string, len(mounts))
	for _, m := range mounts {
		out[m.Name] = m.MountPath
	}
	return out
}
