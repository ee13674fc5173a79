// Package resources holds the pure builders that map a DevServer and its
// resolved flavor to desired child objects. Builders are deterministic and
// never talk to the API; reconcilers own create-or-patch semantics.
package resources

// DefaultImage is used when spec.image is empty.
const DefaultImage = "ghcr.io/devserver-io/devserver-base:latest"

// HomeMountPath is where the persistent home claim is mounted.
const HomeMountPath = "/home/dev"

// SharedMountPath is where the shared claim is mounted when configured.
const SharedMountPath = "/shared"

// HostKeysMountPath is where the host-key secret is mounted.
const HostKeysMountPath = "/etc/ssh/hostkeys"

// MasterPort is the rendezvous port exported to distributed replicas.
const MasterPort = 29500

// Stable, user-visible child names.
func HomeClaimName(devserver string) string    { return devserver + "-home" }
func WorkloadName(devserver string) string     { return devserver }
func SSHServiceName(devserver string) string   { return devserver + "-ssh" }
func PeersServiceName(devserver string) string { return devserver + "-peers" }
func HostKeysSecretName(devserver string) string {
	return devserver + "-hostkeys"
}
func ConfigMapName(devserver string) string { return devserver + "-config" }

// Labels returns the selector labels shared by every child of a DevServer.
func Labels(devserver string) map[string]string {
	return map[string]string{
		"app":       "devserver",
		"devserver": devserver,
	}
}
