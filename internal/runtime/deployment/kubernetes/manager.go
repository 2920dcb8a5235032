// Package kubernetes runs managed providers as a Deployment, Service and
// Secret triad in a single namespace.
package kubernetes

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

const (
	LabelApp        = "app"
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelProviderID = "agentplane.dev/provider-id"
	LabelSpecHash   = "agentplane.dev/spec-hash"

	managedBy     = "agentplane"
	containerName = "provider"
	deleteTimeout = 2 * time.Minute

	// defaultMissingGrace covers a deployment being replaced while a caller
	// waits for it.
	defaultMissingGrace = 15 * time.Second
)

// waiting reasons that mean the pod will not become ready on its own
var failingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

// Manager implements deployment.Manager against a Kubernetes cluster.
type Manager struct {
	client       client.Client
	clientset    kubernetes.Interface
	namespace    string
	platform     deployment.PlatformEnv
	pullPolicy   corev1.PullPolicy
	pollInterval time.Duration
	missingGrace time.Duration
	log          *zap.Logger
}

var _ deployment.Manager = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how often readiness and deletion are polled.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithMissingGrace sets how long WaitForStartup tolerates a missing
// deployment before failing.
func WithMissingGrace(d time.Duration) Option {
	return func(m *Manager) { m.missingGrace = d }
}

// WithImagePullPolicy sets the pull policy of provider containers.
func WithImagePullPolicy(p corev1.PullPolicy) Option {
	return func(m *Manager) { m.pullPolicy = p }
}

// NewManager creates a Manager. clientset is only used for log streaming and may be nil.
func NewManager(c client.Client, clientset kubernetes.Interface, namespace string, platform deployment.PlatformEnv, opts ...Option) *Manager {
	m := &Manager{
		client:       c,
		clientset:    clientset,
		namespace:    namespace,
		platform:     platform,
		pullPolicy:   corev1.PullIfNotPresent,
		pollInterval: time.Second,
		missingGrace: defaultMissingGrace,
		log:          logging.DeploymentLog,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResourceName is the name shared by the provider's Deployment, Service and Secret.
func ResourceName(providerID string) string {
	return "agentplane-provider-" + providerID
}

func (m *Manager) key(providerID string) client.ObjectKey {
	return client.ObjectKey{Namespace: m.namespace, Name: ResourceName(providerID)}
}

func (m *Manager) labels(providerID string) map[string]string {
	return map[string]string{
		LabelApp:        ResourceName(providerID),
		LabelManagedBy:  managedBy,
		LabelProviderID: providerID,
	}
}

type desiredState struct {
	deployment *appsv1.Deployment
	service    *corev1.Service
	secret     *corev1.Secret
	hash       string
}

func (m *Manager) desired(provider *models.Provider, env map[string]string) (*desiredState, error) {
	image := provider.ImageRef
	if image == "" {
		src, err := provider.Source()
		if err != nil {
			return nil, err
		}
		is, ok := src.(models.ImageSource)
		if !ok {
			return nil, fmt.Errorf("provider %s has no resolved image", provider.ID)
		}
		image = is.Ref
	}

	name := ResourceName(provider.ID)
	labels := m.labels(provider.ID)

	secretData := provider.ExtractEnv(env)
	serviceSpec := corev1.ServiceSpec{
		Type:     corev1.ServiceTypeClusterIP,
		Selector: map[string]string{LabelApp: name},
		Ports: []corev1.ServicePort{{
			Name:       "http",
			Protocol:   corev1.ProtocolTCP,
			Port:       deployment.Port,
			TargetPort: intstr.FromInt32(deployment.Port),
		}},
	}

	platformVars := m.platform.Vars()
	keys := make([]string, 0, len(platformVars))
	for k := range platformVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	containerEnv := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		containerEnv = append(containerEnv, corev1.EnvVar{Name: k, Value: platformVars[k]})
	}

	template := corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:            containerName,
				Image:           image,
				ImagePullPolicy: m.pullPolicy,
				Ports:           []corev1.ContainerPort{{Name: "http", ContainerPort: deployment.Port, Protocol: corev1.ProtocolTCP}},
				Env:             containerEnv,
				EnvFrom: []corev1.EnvFromSource{{
					SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
				}},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(deployment.Port)},
					},
					PeriodSeconds:    1,
					FailureThreshold: 3,
				},
			}},
		},
	}

	hash, err := specHash(image, secretData, serviceSpec, template)
	if err != nil {
		return nil, err
	}

	meta := func() metav1.ObjectMeta {
		l := m.labels(provider.ID)
		l[LabelSpecHash] = hash
		return metav1.ObjectMeta{Name: name, Namespace: m.namespace, Labels: l}
	}

	return &desiredState{
		hash: hash,
		secret: &corev1.Secret{
			ObjectMeta: meta(),
			Type:       corev1.SecretTypeOpaque,
			StringData: secretData,
		},
		service: &corev1.Service{
			ObjectMeta: meta(),
			Spec:       serviceSpec,
		},
		deployment: &appsv1.Deployment{
			ObjectMeta: meta(),
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](1),
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: name}},
				Template: template,
			},
		},
	}, nil
}

// specHash covers everything that should restart the provider when it changes.
func specHash(image string, secret map[string]string, service corev1.ServiceSpec, template corev1.PodTemplateSpec) (string, error) {
	raw, err := json.Marshal(struct {
		Image    string                 `json:"image"`
		Secret   map[string]string      `json:"secret"`
		Service  corev1.ServiceSpec     `json:"service"`
		Template corev1.PodTemplateSpec `json:"template"`
	}{image, secret, service, template})
	if err != nil {
		return "", fmt.Errorf("failed to hash deployment spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:32], nil
}

// CreateOrReplace reconciles the provider's triad. An existing deployment with
// the same spec hash is only scaled back up.
func (m *Manager) CreateOrReplace(ctx context.Context, provider *models.Provider, env map[string]string) (bool, error) {
	desired, err := m.desired(provider, env)
	if err != nil {
		return false, err
	}
	log := logging.L(ctx, m.log).With(zap.String("spec_hash", desired.hash))

	existing := &appsv1.Deployment{}
	err = m.client.Get(ctx, m.key(provider.ID), existing)
	switch {
	case err == nil && existing.DeletionTimestamp == nil && existing.Labels[LabelSpecHash] == desired.hash:
		if existing.Spec.Replicas == nil || *existing.Spec.Replicas < 1 {
			if err := m.ScaleUp(ctx, provider.ID); err != nil {
				return false, err
			}
		}
		return false, nil
	case err == nil:
		log.Info("deployment spec changed, replacing", zap.String("previous_hash", existing.Labels[LabelSpecHash]))
		if err := m.Delete(ctx, provider.ID); err != nil {
			return false, err
		}
	case apierrors.IsNotFound(err):
	default:
		return false, fmt.Errorf("failed to get deployment: %w", err)
	}

	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: desired.secret.Name, Namespace: m.namespace}}
	if err := m.apply(ctx, secret, func() error {
		secret.Labels = desired.secret.Labels
		secret.Type = desired.secret.Type
		secret.Data = nil
		secret.StringData = desired.secret.StringData
		return nil
	}); err != nil {
		return false, fmt.Errorf("failed to apply secret: %w", err)
	}

	service := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.service.Name, Namespace: m.namespace}}
	if err := m.apply(ctx, service, func() error {
		service.Labels = desired.service.Labels
		service.Spec.Type = desired.service.Spec.Type
		service.Spec.Selector = desired.service.Spec.Selector
		service.Spec.Ports = desired.service.Spec.Ports
		return nil
	}); err != nil {
		return false, fmt.Errorf("failed to apply service: %w", err)
	}

	if err := m.client.Create(ctx, desired.deployment); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return false, fmt.Errorf("failed to create deployment: %w", err)
		}
		// Another request created it first.
		winner := &appsv1.Deployment{}
		if err := m.client.Get(ctx, m.key(provider.ID), winner); err != nil {
			return false, fmt.Errorf("failed to get deployment: %w", err)
		}
		if winner.Labels[LabelSpecHash] != desired.hash {
			return false, fmt.Errorf("deployment for provider %s was concurrently created with a different spec", provider.ID)
		}
		return false, nil
	}

	log.Info("created provider deployment")
	return true, nil
}

// apply runs CreateOrUpdate, retrying when a concurrent reconcile of the same
// provider created or updated obj in between.
func (m *Manager) apply(ctx context.Context, obj client.Object, mutate controllerutil.MutateFn) error {
	return retry.OnError(retry.DefaultRetry, func(err error) bool {
		return apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err)
	}, func() error {
		_, err := controllerutil.CreateOrUpdate(ctx, m.client, obj, mutate)
		return err
	})
}

// Delete removes the triad and waits until the deployment is gone.
func (m *Manager) Delete(ctx context.Context, providerID string) error {
	meta := metav1.ObjectMeta{Name: ResourceName(providerID), Namespace: m.namespace}
	objects := []client.Object{
		&appsv1.Deployment{ObjectMeta: meta},
		&corev1.Service{ObjectMeta: meta},
		&corev1.Secret{ObjectMeta: meta},
	}
	for _, obj := range objects {
		err := m.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationForeground))
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete %T %s: %w", obj, meta.Name, err)
		}
	}

	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, deleteTimeout, true, func(ctx context.Context) (bool, error) {
		err := m.client.Get(ctx, m.key(providerID), &appsv1.Deployment{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, client.IgnoreNotFound(err)
	})
	if err != nil {
		return fmt.Errorf("failed waiting for deletion of provider %s: %w", providerID, err)
	}
	return nil
}

// State derives the deployment state of each provider from one listing of
// deployments and pods.
func (m *Manager) State(ctx context.Context, providerIDs []string) ([]models.ProviderDeploymentState, error) {
	selector := client.MatchingLabels{LabelManagedBy: managedBy}

	deployments := &appsv1.DeploymentList{}
	if err := m.client.List(ctx, deployments, client.InNamespace(m.namespace), selector); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	pods := &corev1.PodList{}
	if err := m.client.List(ctx, pods, client.InNamespace(m.namespace), selector); err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	byID := make(map[string]*appsv1.Deployment, len(deployments.Items))
	for i := range deployments.Items {
		d := &deployments.Items[i]
		byID[d.Labels[LabelProviderID]] = d
	}
	podsByID := make(map[string][]*corev1.Pod)
	for i := range pods.Items {
		p := &pods.Items[i]
		id := p.Labels[LabelProviderID]
		podsByID[id] = append(podsByID[id], p)
	}

	states := make([]models.ProviderDeploymentState, len(providerIDs))
	for i, id := range providerIDs {
		states[i] = deploymentState(byID[id], podsByID[id])
	}
	return states, nil
}

func deploymentState(d *appsv1.Deployment, pods []*corev1.Pod) models.ProviderDeploymentState {
	switch {
	case d == nil || d.DeletionTimestamp != nil:
		return models.DeploymentStateMissing
	case d.Spec.Replicas != nil && *d.Spec.Replicas == 0:
		return models.DeploymentStateReady
	case d.Status.AvailableReplicas >= 1:
		return models.DeploymentStateRunning
	case failing(d, pods):
		return models.DeploymentStateError
	default:
		return models.DeploymentStateStarting
	}
}

func failing(d *appsv1.Deployment, pods []*corev1.Pod) bool {
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return true
		}
		if c.Type == appsv1.DeploymentReplicaFailure && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	for _, p := range pods {
		if p.DeletionTimestamp != nil {
			continue
		}
		for _, cs := range p.Status.ContainerStatuses {
			if cs.State.Waiting != nil && failingReasons[cs.State.Waiting.Reason] {
				return true
			}
		}
	}
	return false
}

func (m *Manager) scale(ctx context.Context, providerID string, replicas int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d := &appsv1.Deployment{}
		if err := m.client.Get(ctx, m.key(providerID), d); err != nil {
			return err
		}
		if d.Spec.Replicas != nil && *d.Spec.Replicas == replicas {
			return nil
		}
		d.Spec.Replicas = ptr.To(replicas)
		return m.client.Update(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("failed to scale provider %s to %d: %w", providerID, replicas, err)
	}
	logging.L(ctx, m.log).Info("scaled provider", zap.String("provider_id", providerID), zap.Int32("replicas", replicas))
	return nil
}

// ScaleDown parks the provider at zero replicas.
func (m *Manager) ScaleDown(ctx context.Context, providerID string) error {
	return m.scale(ctx, providerID, 0)
}

// ScaleUp restores the provider to one replica.
func (m *Manager) ScaleUp(ctx context.Context, providerID string) error {
	return m.scale(ctx, providerID, 1)
}

// WaitForStartup polls the provider state until it is running. It fails fast
// when the deployment errors, and when it stays missing past the grace period.
func (m *Manager) WaitForStartup(ctx context.Context, providerID string, timeout time.Duration) error {
	var missingSince time.Time
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		states, err := m.State(ctx, []string{providerID})
		if err != nil {
			logging.L(ctx, m.log).Warn("failed to read provider state", zap.Error(err))
			return false, nil
		}
		switch states[0] {
		case models.DeploymentStateRunning:
			return true, nil
		case models.DeploymentStateError:
			return false, fmt.Errorf("%w: provider %s", deployment.ErrDeploymentFailed, providerID)
		case models.DeploymentStateMissing:
			if missingSince.IsZero() {
				missingSince = time.Now()
			}
			if time.Since(missingSince) >= m.missingGrace {
				return false, fmt.Errorf("%w: provider %s has no deployment", deployment.ErrDeploymentFailed, providerID)
			}
			return false, nil
		default:
			missingSince = time.Time{}
			return false, nil
		}
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: provider %s not available after %s", deployment.ErrStartupTimeout, providerID, timeout)
	}
	return err
}

// ProviderURL returns the cluster-local service address.
func (m *Manager) ProviderURL(providerID string) string {
	return fmt.Sprintf("http://%s.%s.svc:%d", ResourceName(providerID), m.namespace, deployment.Port)
}

// StreamLogs follows the logs of the provider's newest pod.
func (m *Manager) StreamLogs(ctx context.Context, providerID string, sink func(line string)) error {
	if m.clientset == nil {
		return errors.New("log streaming is not configured")
	}
	pods := &corev1.PodList{}
	if err := m.client.List(ctx, pods, client.InNamespace(m.namespace), client.MatchingLabels{LabelProviderID: providerID}); err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return fmt.Errorf("provider %s has no pods", providerID)
	}
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[j].CreationTimestamp.Before(&pods.Items[i].CreationTimestamp)
	})

	req := m.clientset.CoreV1().Pods(m.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
		TailLines: ptr.To[int64](100),
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read log stream: %w", err)
	}
	return nil
}
