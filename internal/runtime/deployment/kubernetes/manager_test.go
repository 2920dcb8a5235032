package kubernetes_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clientfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment/kubernetes"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

const namespace = "agentplane"

func newManager(t *testing.T, objs ...client.Object) (*kubernetes.Manager, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(scheme.Scheme).WithObjects(objs...).Build()
	m := kubernetes.NewManager(c, clientfake.NewClientset(), namespace,
		deployment.PlatformEnv{PlatformURL: "http://agentplane.agentplane.svc:8080", CollectorURL: "http://otel:4318"},
		kubernetes.WithPollInterval(10*time.Millisecond))
	return m, c
}

func newInterceptedManager(t *testing.T, funcs interceptor.Funcs, opts ...kubernetes.Option) (*kubernetes.Manager, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(scheme.Scheme).WithInterceptorFuncs(funcs).Build()
	opts = append([]kubernetes.Option{kubernetes.WithPollInterval(10 * time.Millisecond)}, opts...)
	m := kubernetes.NewManager(c, clientfake.NewClientset(), namespace,
		deployment.PlatformEnv{PlatformURL: "http://agentplane.agentplane.svc:8080", CollectorURL: "http://otel:4318"},
		opts...)
	return m, c
}

// raceDeploymentCreate makes the first deployment Create lose to a competing
// writer that stores mutate(obj) just before.
func raceDeploymentCreate(mutate func(d *appsv1.Deployment)) interceptor.Funcs {
	var once sync.Once
	return interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			d, ok := obj.(*appsv1.Deployment)
			if !ok {
				return c.Create(ctx, obj, opts...)
			}
			raced := false
			once.Do(func() { raced = true })
			if !raced {
				return c.Create(ctx, obj, opts...)
			}
			winner := d.DeepCopy()
			mutate(winner)
			if err := c.Create(ctx, winner); err != nil {
				return err
			}
			return apierrors.NewAlreadyExists(appsv1.Resource("deployments"), d.Name)
		},
	}
}

func echoProvider() *models.Provider {
	p := &models.Provider{
		ID:       models.ComputeProviderID("docker://ghcr.io/acme/echo:v1"),
		Location: "docker://ghcr.io/acme/echo:v1",
		ImageRef: "ghcr.io/acme/echo@sha256:abc",
		Env:      []models.EnvVar{{Name: "API_KEY", Required: true}},
	}
	return p
}

func getDeployment(t *testing.T, c client.Client, id string) *appsv1.Deployment {
	t.Helper()
	d := &appsv1.Deployment{}
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Namespace: namespace, Name: kubernetes.ResourceName(id)}, d))
	return d
}

func setAvailable(t *testing.T, c client.Client, id string, n int32) {
	t.Helper()
	d := getDeployment(t, c, id)
	d.Status.AvailableReplicas = n
	d.Status.ReadyReplicas = n
	require.NoError(t, c.Status().Update(context.Background(), d))
}

func TestCreateOrReplace_CreatesTriad(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()

	changed, err := m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "secret", "UNRELATED": "x"})
	require.NoError(t, err)
	assert.True(t, changed)

	d := getDeployment(t, c, p.ID)
	assert.Equal(t, int32(1), *d.Spec.Replicas)
	assert.Equal(t, kubernetes.ResourceName(p.ID), d.Labels[kubernetes.LabelApp])
	assert.NotEmpty(t, d.Labels[kubernetes.LabelSpecHash])

	container := d.Spec.Template.Spec.Containers[0]
	assert.Equal(t, p.ImageRef, container.Image)
	assert.Equal(t, int32(deployment.Port), container.Ports[0].ContainerPort)
	env := map[string]string{}
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "8000", env["PORT"])
	assert.Equal(t, "0.0.0.0", env["HOST"])
	assert.Equal(t, "http://otel:4318", env["OTEL_EXPORTER_OTLP_ENDPOINT"])
	assert.Equal(t, "http://agentplane.agentplane.svc:8080", env["PLATFORM_URL"])
	require.Len(t, container.EnvFrom, 1)
	assert.Equal(t, kubernetes.ResourceName(p.ID), container.EnvFrom[0].SecretRef.Name)

	svc := &corev1.Service{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: kubernetes.ResourceName(p.ID)}, svc))
	assert.Equal(t, corev1.ServiceTypeClusterIP, svc.Spec.Type)
	assert.Equal(t, int32(deployment.Port), svc.Spec.Ports[0].Port)

	secret := &corev1.Secret{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: kubernetes.ResourceName(p.ID)}, secret))
	values := secret.StringData
	if len(values) == 0 {
		values = map[string]string{}
		for k, v := range secret.Data {
			values[k] = string(v)
		}
	}
	assert.Equal(t, map[string]string{"API_KEY": "secret"}, values)
}

func TestCreateOrReplace_IdenticalSpecIsUnchanged(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()
	env := map[string]string{"API_KEY": "secret"}

	_, err := m.CreateOrReplace(ctx, p, env)
	require.NoError(t, err)
	before := getDeployment(t, c, p.ID)

	changed, err := m.CreateOrReplace(ctx, p, env)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before.ResourceVersion, getDeployment(t, c, p.ID).ResourceVersion)
}

func TestCreateOrReplace_IdenticalSpecScalesUp(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()
	env := map[string]string{"API_KEY": "secret"}

	_, err := m.CreateOrReplace(ctx, p, env)
	require.NoError(t, err)
	require.NoError(t, m.ScaleDown(ctx, p.ID))
	hash := getDeployment(t, c, p.ID).Labels[kubernetes.LabelSpecHash]

	changed, err := m.CreateOrReplace(ctx, p, env)
	require.NoError(t, err)
	assert.False(t, changed)
	d := getDeployment(t, c, p.ID)
	assert.Equal(t, int32(1), *d.Spec.Replicas)
	assert.Equal(t, hash, d.Labels[kubernetes.LabelSpecHash])
}

func TestCreateOrReplace_EnvChangeReplaces(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()

	_, err := m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "one"})
	require.NoError(t, err)
	first := getDeployment(t, c, p.ID).Labels[kubernetes.LabelSpecHash]

	// Variables the provider does not declare do not affect the hash.
	changed, err := m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "one", "OTHER": "x"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "two"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first, getDeployment(t, c, p.ID).Labels[kubernetes.LabelSpecHash])
}

func TestState(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()
	other := &models.Provider{ID: "crashing", Location: "docker://ghcr.io/acme/crash:v1", ImageRef: "ghcr.io/acme/crash:v1"}

	states, err := m.State(ctx, []string{p.ID, other.ID})
	require.NoError(t, err)
	assert.Equal(t, []models.ProviderDeploymentState{models.DeploymentStateMissing, models.DeploymentStateMissing}, states)

	_, err = m.CreateOrReplace(ctx, p, nil)
	require.NoError(t, err)
	_, err = m.CreateOrReplace(ctx, other, nil)
	require.NoError(t, err)

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      "crashing-pod",
		Namespace: namespace,
		Labels:    map[string]string{kubernetes.LabelManagedBy: "agentplane", kubernetes.LabelProviderID: other.ID},
	}}
	require.NoError(t, c.Create(ctx, pod))
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name:  "provider",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
	}}
	require.NoError(t, c.Status().Update(ctx, pod))

	states, err = m.State(ctx, []string{p.ID, other.ID})
	require.NoError(t, err)
	assert.Equal(t, []models.ProviderDeploymentState{models.DeploymentStateStarting, models.DeploymentStateError}, states)

	setAvailable(t, c, p.ID, 1)
	states, err = m.State(ctx, []string{p.ID})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStateRunning, states[0])

	require.NoError(t, m.ScaleDown(ctx, p.ID))
	states, err = m.State(ctx, []string{p.ID})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStateReady, states[0])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()

	_, err := m.CreateOrReplace(ctx, p, nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, p.ID))

	states, err := m.State(ctx, []string{p.ID})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStateMissing, states[0])

	err = c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: kubernetes.ResourceName(p.ID)}, &corev1.Secret{})
	assert.True(t, client.IgnoreNotFound(err) == nil && err != nil)

	// Deleting again is a no-op.
	assert.NoError(t, m.Delete(ctx, p.ID))
}

func TestWaitForStartup(t *testing.T) {
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		m, c := newManager(t)
		p := echoProvider()
		_, err := m.CreateOrReplace(ctx, p, nil)
		require.NoError(t, err)

		d := getDeployment(t, c, p.ID)
		go func() {
			time.Sleep(30 * time.Millisecond)
			d.Status.AvailableReplicas = 1
			_ = c.Status().Update(ctx, d)
		}()
		assert.NoError(t, m.WaitForStartup(ctx, p.ID, 5*time.Second))
	})

	t.Run("timeout", func(t *testing.T) {
		m, _ := newManager(t)
		p := echoProvider()
		_, err := m.CreateOrReplace(ctx, p, nil)
		require.NoError(t, err)

		err = m.WaitForStartup(ctx, p.ID, 50*time.Millisecond)
		assert.ErrorIs(t, err, deployment.ErrStartupTimeout)
	})

	t.Run("missing past grace fails", func(t *testing.T) {
		m, _ := newInterceptedManager(t, interceptor.Funcs{}, kubernetes.WithMissingGrace(50*time.Millisecond))
		err := m.WaitForStartup(ctx, "nope", 5*time.Second)
		assert.ErrorIs(t, err, deployment.ErrDeploymentFailed)
	})

	t.Run("recreated while waiting", func(t *testing.T) {
		m, c := newInterceptedManager(t, interceptor.Funcs{}, kubernetes.WithMissingGrace(2*time.Second))
		p := echoProvider()
		_, err := m.CreateOrReplace(ctx, p, nil)
		require.NoError(t, err)
		require.NoError(t, m.Delete(ctx, p.ID))

		done := make(chan error, 1)
		go func() { done <- m.WaitForStartup(ctx, p.ID, 5*time.Second) }()

		time.Sleep(50 * time.Millisecond)
		changed, err := m.CreateOrReplace(ctx, p, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		setAvailable(t, c, p.ID, 1)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("WaitForStartup did not return")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		m, _ := newManager(t)
		p := echoProvider()
		_, err := m.CreateOrReplace(ctx, p, nil)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err = m.WaitForStartup(cctx, p.ID, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProviderURL(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, "http://agentplane-provider-abc.agentplane.svc:8000", m.ProviderURL("abc"))
}

func TestStreamLogs(t *testing.T) {
	ctx := context.Background()
	p := echoProvider()
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      "echo-pod",
		Namespace: namespace,
		Labels:    map[string]string{kubernetes.LabelProviderID: p.ID},
	}}
	m, _ := newManager(t, pod)

	var lines []string
	require.NoError(t, m.StreamLogs(ctx, p.ID, func(line string) { lines = append(lines, line) }))
	assert.NotEmpty(t, lines)

	assert.Error(t, m.StreamLogs(ctx, "unknown", func(string) {}))
}

func TestCreateOrReplace_LosesCreateRaceWithSameSpec(t *testing.T) {
	ctx := context.Background()
	m, c := newInterceptedManager(t, raceDeploymentCreate(func(*appsv1.Deployment) {}))
	p := echoProvider()

	changed, err := m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "secret"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NotEmpty(t, getDeployment(t, c, p.ID).Labels[kubernetes.LabelSpecHash])
}

func TestCreateOrReplace_LosesCreateRaceWithDifferentSpec(t *testing.T) {
	ctx := context.Background()
	m, _ := newInterceptedManager(t, raceDeploymentCreate(func(d *appsv1.Deployment) {
		d.Labels[kubernetes.LabelSpecHash] = "other"
	}))
	p := echoProvider()

	changed, err := m.CreateOrReplace(ctx, p, map[string]string{"API_KEY": "secret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different spec")
	assert.False(t, changed)
}

func TestCreateOrReplace_ConcurrentCallsDoNotConflict(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	p := echoProvider()
	env := map[string]string{"API_KEY": "secret"}

	const callers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
		errs    []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := m.CreateOrReplace(ctx, p, env)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if changed {
				changes++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, changes)
	d := getDeployment(t, c, p.ID)
	assert.Equal(t, int32(1), *d.Spec.Replicas)
}
