// Package config carries the operator's runtime configuration: the engine
// tuning knobs plus the default resource quota applied to user namespaces.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// DEVSERVER_OPERATOR_WORKER_COUNT=8.
const EnvPrefix = "DEVSERVER_OPERATOR"

// Options is the engine configuration surface.
type Options struct {
	WorkerCount       int
	ReconcileDeadline time.Duration
	ResyncPeriod      time.Duration
	DefaultRequeue    time.Duration
	LeaderElection    bool
	WatchNamespace    string

	MetricsAddr       string
	ProbeAddr         string
	QuotaDefaultsPath string
}

// Defaults returns the documented default options.
func Defaults() Options {
	return Options{
		WorkerCount:       4,
		ReconcileDeadline: 2 * time.Minute,
		ResyncPeriod:      10 * time.Minute,
		DefaultRequeue:    30 * time.Minute,
		LeaderElection:    true,
		WatchNamespace:    "",
		MetricsAddr:       ":9091",
		ProbeAddr:         ":8081",
	}
}

// BindFlags registers the option flags on fs and wires them into v together
// with environment variable overrides.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()
	fs.Int("worker-count", d.WorkerCount, "Number of concurrent reconcile workers per controller.")
	fs.Duration("reconcile-deadline", d.ReconcileDeadline, "Deadline for a single reconcile pass.")
	fs.Duration("resync-period", d.ResyncPeriod, "Periodic full rescan interval to catch missed events.")
	fs.Duration("default-requeue", d.DefaultRequeue, "Upper bound between reconciles of a healthy DevServer.")
	fs.Bool("leader-election", d.LeaderElection, "Enable leader election; only the leader reconciles.")
	fs.String("watch-namespace", d.WatchNamespace, "Restrict watches to one namespace (empty for cluster-wide).")
	fs.String("metrics-bind-address", d.MetricsAddr, "The address the metric endpoint binds to.")
	fs.String("health-probe-bind-address", d.ProbeAddr, "The address the probe endpoint binds to.")
	fs.String("quota-defaults", "", "YAML file with default user namespace quota values.")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	_ = v.BindPFlags(fs)
}

// FromViper materializes Options from bound flags and environment.
func FromViper(v *viper.Viper) Options {
	return Options{
		WorkerCount:       v.GetInt("worker-count"),
		ReconcileDeadline: v.GetDuration("reconcile-deadline"),
		ResyncPeriod:      v.GetDuration("resync-period"),
		DefaultRequeue:    v.GetDuration("default-requeue"),
		LeaderElection:    v.GetBool("leader-election"),
		WatchNamespace:    v.GetString("watch-namespace"),
		MetricsAddr:       v.GetString("metrics-bind-address"),
		ProbeAddr:         v.GetString("health-probe-bind-address"),
		QuotaDefaultsPath: v.GetString("quota-defaults"),
	}
}

// Validate rejects configurations the engine cannot run with.
func (o Options) Validate() error {
	if o.WorkerCount < 1 {
		return fmt.Errorf("worker-count must be at least 1, got %d", o.WorkerCount)
	}
	if o.ReconcileDeadline <= 0 {
		return fmt.Errorf("reconcile-deadline must be positive, got %s", o.ReconcileDeadline)
	}
	if o.DefaultRequeue <= 0 {
		return fmt.Errorf("default-requeue must be positive, got %s", o.DefaultRequeue)
	}
	if o.ResyncPeriod <= 0 {
		return fmt.Errorf("resync-period must be positive, got %s", o.ResyncPeriod)
	}
	return nil
}

// DefaultUserQuota is the compiled-in quota for user namespaces, applied
// when no quota-defaults file is given.
func DefaultUserQuota() corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceRequestsCPU:            resource.MustParse("16"),
		corev1.ResourceRequestsMemory:         resource.MustParse("64Gi"),
		corev1.ResourceRequestsStorage:        resource.MustParse("1Ti"),
		corev1.ResourcePersistentVolumeClaims: resource.MustParse("10"),
	}
}

// LoadUserQuota reads quota defaults from a YAML file of
// <resource-name>: <quantity> pairs. An empty path yields the compiled-in
// defaults.
func LoadUserQuota(path string) (corev1.ResourceList, error) {
	if path == "" {
		return DefaultUserQuota(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota defaults: %w", err)
	}
	var entries map[string]string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse quota defaults: %w", err)
	}
	out := make(corev1.ResourceList, len(entries))
	for name, value := range entries {
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return nil, fmt.Errorf("quota defaults: invalid quantity %q for %q: %w", value, name, err)
		}
		out[corev1.ResourceName(name)] = q
	}
	return out, nil
}
