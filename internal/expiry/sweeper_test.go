package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	devserverv1 "devserver-operator/api/v1"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(t *testing.T, objs ...client.Object) (*Sweeper, client.Client) {
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, devserverv1.AddToScheme(scheme))
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()

	s := NewSweeper(c, time.Minute)
	s.Clock = func() time.Time { return testTime }
	return s, c
}

func devServerExpiringAt(name string, exp time.Time) *devserverv1.DevServer {
	t := metav1.NewTime(exp)
	return &devserverv1.DevServer{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "dev-alice"},
		Spec: devserverv1.DevServerSpec{
			Owner:     "alice@example.com",
			Flavor:    "cpu-small",
			Lifecycle: &devserverv1.LifecycleConfig{ExpirationTime: &t},
		},
	}
}

// drain processes everything the scan enqueued.
func drain(ctx context.Context, s *Sweeper) {
	for s.queue.Len() > 0 {
		s.processNextItem(ctx)
	}
}

func TestScanDeletesExpired(t *testing.T) {
	expired := devServerExpiringAt("old", testTime.Add(-time.Hour))
	fresh := devServerExpiringAt("new", testTime.Add(time.Hour))
	eternal := &devserverv1.DevServer{
		ObjectMeta: metav1.ObjectMeta{Name: "forever", Namespace: "dev-alice"},
		Spec:       devserverv1.DevServerSpec{Owner: "alice@example.com", Flavor: "cpu-small"},
	}
	s, c := newSweeper(t, expired, fresh, eternal)
	ctx := context.Background()

	s.Scan(ctx)
	drain(ctx, s)

	err := c.Get(ctx, types.NamespacedName{Name: "old", Namespace: "dev-alice"}, &devserverv1.DevServer{})
	assert.True(t, apierrors.IsNotFound(err), "expired server should be deleted")

	require.NoError(t, c.Get(ctx, types.NamespacedName{Name: "new", Namespace: "dev-alice"}, &devserverv1.DevServer{}))
	require.NoError(t, c.Get(ctx, types.NamespacedName{Name: "forever", Namespace: "dev-alice"}, &devserverv1.DevServer{}))
}

func TestScanBoundaryExactExpiry(t *testing.T) {
	exact := devServerExpiringAt("exact", testTime)
	s, c := newSweeper(t, exact)
	ctx := context.Background()

	s.Scan(ctx)
	drain(ctx, s)

	err := c.Get(ctx, types.NamespacedName{Name: "exact", Namespace: "dev-alice"}, &devserverv1.DevServer{})
	assert.True(t, apierrors.IsNotFound(err), "expiration is inclusive of the boundary instant")
}

func TestScanSkipsAlreadyDeleting(t *testing.T) {
	deleting := devServerExpiringAt("deleting", testTime.Add(-time.Hour))
	deleting.Finalizers = []string{"devserver.devservers.io/finalizer"}
	s, c := newSweeper(t, deleting)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, deleting))

	s.Scan(ctx)
	assert.Zero(t, s.queue.Len(), "objects already in deletion are not re-enqueued")
}

func TestDeleteRechecksExpiration(t *testing.T) {
	ds := devServerExpiringAt("extended", testTime.Add(-time.Minute))
	s, c := newSweeper(t, ds)
	ctx := context.Background()

	s.Scan(ctx)
	require.Equal(t, 1, s.queue.Len())

	// The TTL is extended between scan and drain; deletion must not happen.
	var latest devserverv1.DevServer
	require.NoError(t, c.Get(ctx, types.NamespacedName{Name: "extended", Namespace: "dev-alice"}, &latest))
	extended := metav1.NewTime(testTime.Add(time.Hour))
	latest.Spec.Lifecycle.ExpirationTime = &extended
	require.NoError(t, c.Update(ctx, &latest))

	drain(ctx, s)

	require.NoError(t, c.Get(ctx, types.NamespacedName{Name: "extended", Namespace: "dev-alice"}, &devserverv1.DevServer{}))
}

func TestDeleteMissingObjectIsNoop(t *testing.T) {
	s, _ := newSweeper(t)
	err := s.deleteExpired(context.Background(), types.NamespacedName{Name: "gone", Namespace: "dev-alice"})
	assert.NoError(t, err)
}
