package resources

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	devserverv1 "devserver-operator/api/v1"
)

// BuildSSHService builds the cluster-internal SSH service.
func BuildSSHService(ds *devserverv1.DevServer) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SSHServiceName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: Labels(ds.Name),
			Ports: []corev1.ServicePort{
				{
					Name:       "ssh",
					Port:       22,
					TargetPort: intstr.FromInt32(22),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

// BuildPeersService builds the headless service used for DNS-based peer
// discovery in distributed mode.
func BuildPeersService(ds *devserverv1.DevServer) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PeersServiceName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  Labels(ds.Name),
			Ports: []corev1.ServicePort{
				{
					Name:       "ssh",
					Port:       22,
					TargetPort: intstr.FromInt32(22),
					Protocol:   corev1.ProtocolTCP,
				},
			},
			// Replicas must be resolvable before they pass readiness so rank 0
			// can rendezvous during startup.
			PublishNotReadyAddresses: true,
		},
	}
}

// SSHEndpoint renders the user-visible endpoint for a DevServer's SSH
// service.
func SSHEndpoint(ds *devserverv1.DevServer) string {
	return fmt.Sprintf("%s.%s.svc:22", SSHServiceName(ds.Name), ds.Namespace)
}

// BuildPeerConfigMap builds the peer-discovery hints published alongside a
// distributed DevServer.
func BuildPeerConfigMap(ds *devserverv1.DevServer) *corev1.ConfigMap {
	cfg := ds.Spec.Distributed
	peers := make([]string, 0, cfg.WorldSize)
	for i := int32(0); i < cfg.WorldSize; i++ {
		peers = append(peers, fmt.Sprintf("%s-%d.%s.%s.svc", ds.Name, i, PeersServiceName(ds.Name), ds.Namespace))
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Data: map[string]string{
			"master_addr": MasterAddr(ds),
			"master_port": fmt.Sprintf("%d", MasterPort),
			"world_size":  fmt.Sprintf("%d", cfg.WorldSize),
			"backend":     backend(cfg),
			"peers":       strings.Join(peers, "\n"),
		},
	}
}

// BuildHostKeysSecret wraps generated host-key material in the owned secret.
func BuildHostKeysSecret(ds *devserverv1.DevServer, keys map[string][]byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      HostKeysSecretName(ds.Name),
			Namespace: ds.Namespace,
			Labels:    Labels(ds.Name),
		},
		Type: corev1.SecretTypeOpaque,
		Data: keys,
	}
}
