package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	devserverv1 "devserver-operator/api/v1"
	"devserver-operator/internal/config"
	"devserver-operator/internal/controller"
	"devserver-operator/internal/expiry"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(devserverv1.AddToScheme(scheme))
}

func main() {
	v := viper.New()
	zapOpts := zap.Options{Development: false}

	rootCmd := &cobra.Command{
		Use:   "devserver-operator",
		Short: "Reconciliation engine for DevServer, DevServerFlavor and DevServerUser resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromViper(v))
		},
	}

	config.BindFlags(rootCmd.Flags(), v)

	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(zapFlags)
	rootCmd.Flags().AddGoFlagSet(zapFlags)

	cobra.OnInitialize(func() {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
	})

	if err := rootCmd.Execute(); err != nil {
		setupLog.Error(err, "operator exited")
		os.Exit(1)
	}
}

func run(opts config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	quotaDefaults, err := config.LoadUserQuota(opts.QuotaDefaultsPath)
	if err != nil {
		return err
	}

	mgrOpts := ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: opts.MetricsAddr,
		},
		HealthProbeBindAddress: opts.ProbeAddr,
		LeaderElection:         opts.LeaderElection,
		LeaderElectionID:       "devserver-operator.devserver.io",
		Cache: cache.Options{
			SyncPeriod: &opts.ResyncPeriod,
		},
	}
	if opts.WatchNamespace != "" {
		mgrOpts.Cache.DefaultNamespaces = map[string]cache.Config{
			opts.WatchNamespace: {},
		}
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOpts)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	if err := (&controller.DevServerReconciler{
		Client:            mgr.GetClient(),
		Scheme:            mgr.GetScheme(),
		Recorder:          mgr.GetEventRecorderFor("devserver-controller"),
		ReconcileDeadline: opts.ReconcileDeadline,
		DefaultRequeue:    opts.DefaultRequeue,
		WorkerCount:       opts.WorkerCount,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "DevServer")
		return err
	}

	if err := (&controller.DevServerUserReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		Recorder:      mgr.GetEventRecorderFor("devserveruser-controller"),
		QuotaDefaults: quotaDefaults,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "DevServerUser")
		return err
	}

	if err := (&controller.DevServerFlavorReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "DevServerFlavor")
		return err
	}

	if err := mgr.Add(expiry.NewSweeper(mgr.GetClient(), opts.ResyncPeriod)); err != nil {
		setupLog.Error(err, "unable to add expiry sweeper")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager",
		"workers", opts.WorkerCount,
		"leader-election", opts.LeaderElection,
		"watch-namespace", opts.WatchNamespace)
	return mgr.Start(ctrl.SetupSignalHandler())
}
