package v1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DevServerFlavorSpec defines a named resource envelope that DevServers
// reference by name.
type DevServerFlavorSpec struct {
	// Resources is the compute envelope applied to every container built
	// from this flavor.
	// +required
	Resources FlavorResources `json:"resources"`

	// NodeSelector is copied onto pods built from this flavor.
	// +optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`

	// Tolerations are copied onto pods built from this flavor.
	// +optional
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`
}

// FlavorResources mirrors container resource requirements.
type FlavorResources struct {
	// +optional
	Requests corev1.ResourceList `json:"requests,omitempty"`
	// +optional
	Limits corev1.ResourceList `json:"limits,omitempty"`
}

// DevServerFlavorStatus defines the observed state of a DevServerFlavor.
type DevServerFlavorStatus struct {
	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster
// +kubebuilder:printcolumn:name="Available",type=string,JSONPath=`.status.conditions[?(@.type=="Available")].status`

// DevServerFlavor is the Schema for the devserverflavors API.
type DevServerFlavor struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DevServerFlavorSpec   `json:"spec,omitempty"`
	Status DevServerFlavorStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DevServerFlavorList contains a list of DevServerFlavor.
type DevServerFlavorList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DevServerFlavor `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DevServerFlavor{}, &DevServerFlavorList{})
}
