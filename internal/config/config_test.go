package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(nil))

	opts := FromViper(v)
	assert.Equal(t, 4, opts.WorkerCount)
	assert.Equal(t, 2*time.Minute, opts.ReconcileDeadline)
	assert.Equal(t, 10*time.Minute, opts.ResyncPeriod)
	assert.Equal(t, 30*time.Minute, opts.DefaultRequeue)
	assert.True(t, opts.LeaderElection)
	assert.Empty(t, opts.WatchNamespace)
	assert.NoError(t, opts.Validate())
}

func TestFlagOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse([]string{
		"--worker-count=8",
		"--reconcile-deadline=90s",
		"--leader-election=false",
		"--watch-namespace=dev-alice",
	}))

	opts := FromViper(v)
	assert.Equal(t, 8, opts.WorkerCount)
	assert.Equal(t, 90*time.Second, opts.ReconcileDeadline)
	assert.False(t, opts.LeaderElection)
	assert.Equal(t, "dev-alice", opts.WatchNamespace)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVSERVER_OPERATOR_WORKER_COUNT", "12")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, 12, FromViper(v).WorkerCount)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Options) {}},
		{name: "zero workers", mutate: func(o *Options) { o.WorkerCount = 0 }, wantErr: true},
		{name: "negative deadline", mutate: func(o *Options) { o.ReconcileDeadline = -time.Second }, wantErr: true},
		{name: "zero requeue", mutate: func(o *Options) { o.DefaultRequeue = 0 }, wantErr: true},
		{name: "zero resync", mutate: func(o *Options) { o.ResyncPeriod = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Defaults()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadUserQuotaDefaults(t *testing.T) {
	quota, err := LoadUserQuota("")
	require.NoError(t, err)
	assert.Equal(t, resource.MustParse("16"), quota[corev1.ResourceRequestsCPU])
	assert.Equal(t, resource.MustParse("64Gi"), quota[corev1.ResourceRequestsMemory])
}

func TestLoadUserQuotaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("requests.cpu: \"32\"\npods: \"40\"\n"), 0o644))

	quota, err := LoadUserQuota(path)
	require.NoError(t, err)
	assert.Equal(t, resource.MustParse("32"), quota[corev1.ResourceRequestsCPU])
	assert.Equal(t, resource.MustParse("40"), quota[corev1.ResourcePods])
}

func TestLoadUserQuotaErrors(t *testing.T) {
	_, err := LoadUserQuota(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("requests.cpu: [not, a, quantity]\n"), 0o644))
	_, err = LoadUserQuota(path)
	assert.Error(t, err)
}
