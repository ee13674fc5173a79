package v1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DevServerUserSpec binds a human identity to a namespace and permissions.
type DevServerUserSpec struct {
	// Username is the DNS-label-compatible identity. The user's namespace
	// is dev-<username> and the service account <username>-sa.
	// +required
	// +kubebuilder:validation:Pattern=`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`
	// +kubebuilder:validation:MaxLength=56
	Username string `json:"username"`

	// Quota overrides the operator-wide resource quota defaults for this
	// user's namespace. Keys absent here keep their default.
	// +optional
	Quota corev1.ResourceList `json:"quota,omitempty"`
}

// DevServerUserStatus defines the observed state of a DevServerUser.
type DevServerUserStatus struct {
	// Namespace is the provisioned per-user namespace.
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster
// +kubebuilder:printcolumn:name="Namespace",type=string,JSONPath=`.status.namespace`

// DevServerUser is the Schema for the devserverusers API.
type DevServerUser struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DevServerUserSpec   `json:"spec,omitempty"`
	Status DevServerUserStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DevServerUserList contains a list of DevServerUser.
type DevServerUserList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DevServerUser `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DevServerUser{}, &DevServerUserList{})
}
