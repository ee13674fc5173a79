// Package expiry implements the periodic expiration sweep. The DevServer
// reconciler already schedules a wake-up before each expiration; the sweep
// is the safety net that catches objects whose requeue was lost, bounded by
// the resync period.
package expiry

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devserverv1 "devserver-operator/api/v1"
)

const maxDeleteRetries = 3

// Sweeper periodically lists DevServers and deletes the expired ones.
type Sweeper struct {
	reader client.Client
	queue  workqueue.TypedRateLimitingInterface[types.NamespacedName]

	// Interval between scans. Defaults to 10 minutes.
	Interval time.Duration

	// Clock is swappable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// NewSweeper builds a sweeper over the given client.
func NewSweeper(c client.Client, interval time.Duration) *Sweeper {
	return &Sweeper{
		reader:   c,
		Interval: interval,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedItemBasedRateLimiter[types.NamespacedName](),
			workqueue.TypedRateLimitingQueueConfig[types.NamespacedName]{Name: "expiry-sweeper"},
		),
	}
}

// NeedLeaderElection gates the sweep on the leader so standbys stay idle.
func (s *Sweeper) NeedLeaderElection() bool { return true }

// Start runs the sweep loop until the context is cancelled. It implements
// manager.Runnable.
func (s *Sweeper) Start(ctx context.Context) error {
	klog.InfoS("Starting expiry sweeper", "interval", s.interval())

	go wait.UntilWithContext(ctx, s.runWorker, time.Second)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	defer s.queue.ShutDown()

	s.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan lists all DevServers and enqueues deletion for the expired ones.
// Unexpired objects are never touched.
func (s *Sweeper) Scan(ctx context.Context) {
	var servers devserverv1.DevServerList
	if err := s.reader.List(ctx, &servers); err != nil {
		klog.ErrorS(err, "Failed to list DevServers for expiry scan")
		return
	}

	now := s.now()
	for i := range servers.Items {
		ds := &servers.Items[i]
		if !s.expired(ds, now) {
			continue
		}
		klog.InfoS("Found expired DevServer", "namespace", ds.Namespace, "name", ds.Name,
			"expirationTime", ds.Spec.Lifecycle.ExpirationTime)
		s.queue.Add(types.NamespacedName{Namespace: ds.Namespace, Name: ds.Name})
	}
}

func (s *Sweeper) expired(ds *devserverv1.DevServer, now time.Time) bool {
	if !ds.DeletionTimestamp.IsZero() {
		return false
	}
	lc := ds.Spec.Lifecycle
	if lc == nil || lc.ExpirationTime == nil {
		return false
	}
	return !now.Before(lc.ExpirationTime.Time)
}

func (s *Sweeper) runWorker(ctx context.Context) {
	for s.processNextItem(ctx) {
	}
}

func (s *Sweeper) processNextItem(ctx context.Context) bool {
	key, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(key)

	if err := s.deleteExpired(ctx, key); err != nil {
		if s.queue.NumRequeues(key) < maxDeleteRetries {
			s.queue.AddRateLimited(key)
		} else {
			klog.ErrorS(err, "Giving up deleting expired DevServer", "key", key)
			s.queue.Forget(key)
		}
		return true
	}
	s.queue.Forget(key)
	return true
}

// deleteExpired re-checks expiration right before deleting so a TTL that
// was extended between scan and drain is respected.
func (s *Sweeper) deleteExpired(ctx context.Context, key types.NamespacedName) error {
	var ds devserverv1.DevServer
	if err := s.reader.Get(ctx, key, &ds); err != nil {
		return client.IgnoreNotFound(err)
	}
	if !s.expired(&ds, s.now()) {
		return nil
	}
	if err := s.reader.Delete(ctx, &ds); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	klog.InfoS("Deleted expired DevServer", "namespace", ds.Namespace, "name", ds.Name)
	return nil
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 10 * time.Minute
}
