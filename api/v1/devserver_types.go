package v1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DevServerSpec defines the desired state of a DevServer.
type DevServerSpec struct {
	// Owner identifies the user this DevServer belongs to (e.g. an email).
	// +required
	Owner string `json:"owner"`

	// Flavor names the cluster-scoped DevServerFlavor that supplies the
	// resource envelope for this server.
	// +required
	Flavor string `json:"flavor"`

	// Image is the container image to run.
	// +optional
	// +kubebuilder:default="ghcr.io/devserver-io/devserver-base:latest"
	Image string `json:"image,omitempty"`

	// Mode selects between a single standalone pod and an ordered set of
	// distributed-training pods.
	// +optional
	// +kubebuilder:default="standalone"
	// +kubebuilder:validation:Enum=standalone;distributed
	Mode string `json:"mode,omitempty"`

	// Distributed carries the distributed-training configuration. Only
	// meaningful when mode is "distributed".
	// +optional
	Distributed *DistributedConfig `json:"distributed,omitempty"`

	// PersistentHomeSize is the storage request for the home directory
	// volume. Immutable after the first successful reconcile.
	// +optional
	// +kubebuilder:default="100Gi"
	PersistentHomeSize resource.Quantity `json:"persistentHomeSize,omitempty"`

	// SharedVolumeClaimName names a pre-existing ReadWriteMany claim to
	// mount at /shared. Immutable after the first successful reconcile.
	// +optional
	SharedVolumeClaimName string `json:"sharedVolumeClaimName,omitempty"`

	// EnableSSH controls whether an SSH service and host keys are managed
	// for this server.
	// +optional
	// +kubebuilder:default=true
	EnableSSH bool `json:"enableSSH,omitempty"`

	// SSH holds SSH access configuration.
	// +optional
	SSH *SSHConfig `json:"ssh,omitempty"`

	// Lifecycle defines expiration and idle handling.
	// +optional
	Lifecycle *LifecycleConfig `json:"lifecycle,omitempty"`
}

// SSHConfig holds SSH access settings for a DevServer.
type SSHConfig struct {
	// PublicKey is the authorized public key injected into the server.
	// +optional
	PublicKey string `json:"publicKey,omitempty"`
}

// DistributedConfig defines the shape of a distributed-training DevServer.
type DistributedConfig struct {
	// WorldSize is the total number of replicas.
	// +required
	// +kubebuilder:validation:Minimum=1
	WorldSize int32 `json:"worldSize"`

	// NProcsPerNode is the number of training processes per replica.
	// +optional
	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	NProcsPerNode int32 `json:"nprocsPerNode,omitempty"`

	// Backend is the collective-communication backend.
	// +optional
	// +kubebuilder:default="nccl"
	// +kubebuilder:validation:Enum=nccl;gloo;mpi
	Backend string `json:"backend,omitempty"`

	// NCCLSettings are exported verbatim as environment variables on every
	// replica.
	// +optional
	NCCLSettings map[string]string `json:"ncclSettings,omitempty"`
}

// LifecycleConfig defines lifecycle management settings for a DevServer.
type LifecycleConfig struct {
	// IdleTimeout is how long (seconds) the server may sit idle before
	// autoShutdown applies.
	// +optional
	// +kubebuilder:validation:Minimum=60
	IdleTimeout int32 `json:"idleTimeout,omitempty"`

	// AutoShutdown enables idle shutdown once IdleTimeout elapses.
	// +optional
	AutoShutdown bool `json:"autoShutdown,omitempty"`

	// ExpirationTime is the absolute instant after which the server is
	// deleted. Populated once from TimeToLive when unset.
	// +optional
	ExpirationTime *metav1.Time `json:"expirationTime,omitempty"`

	// TimeToLive is a relative expiration such as "30m", "2h30m" or "1d".
	// Tokens are <integer><unit> with units d, h, m, s and are summed.
	// +optional
	TimeToLive string `json:"timeToLive,omitempty"`
}

// DevServerStatus defines the observed state of a DevServer.
type DevServerStatus struct {
	// Phase is the coarse lifecycle phase.
	// +optional
	// +kubebuilder:validation:Enum=Pending;Running;Terminating;Failed
	Phase string `json:"phase,omitempty"`

	// Ready is true once all owned children report ready.
	// +optional
	Ready bool `json:"ready,omitempty"`

	// SSHEndpoint is the host:port to reach the server over SSH.
	// +optional
	SSHEndpoint string `json:"sshEndpoint,omitempty"`

	// ServiceName is the name of the owned SSH service.
	// +optional
	ServiceName string `json:"serviceName,omitempty"`

	// PodNames lists the pods backing this server.
	// +optional
	PodNames []string `json:"podNames,omitempty"`

	// StartTime records when the server first became ready.
	// +optional
	StartTime *metav1.Time `json:"startTime,omitempty"`

	// LastIdleTime records when the server was last observed idle.
	// +optional
	LastIdleTime *metav1.Time `json:"lastIdleTime,omitempty"`

	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// DevServer lifecycle phases.
const (
	PhasePending     = "Pending"
	PhaseRunning     = "Running"
	PhaseTerminating = "Terminating"
	PhaseFailed      = "Failed"
)

// DevServer modes.
const (
	ModeStandalone  = "standalone"
	ModeDistributed = "distributed"
)

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Ready",type=boolean,JSONPath=`.status.ready`
// +kubebuilder:printcolumn:name="SSH",type=string,JSONPath=`.status.sshEndpoint`

// DevServer is the Schema for the devservers API.
type DevServer struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DevServerSpec   `json:"spec,omitempty"`
	Status DevServerStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DevServerList contains a list of DevServer.
type DevServerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DevServer `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DevServer{}, &DevServerList{})
}
