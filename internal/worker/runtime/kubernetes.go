package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds configuration for the Kubernetes runner.
type KubernetesConfig struct {
	// Namespace where lab jobs will be created
	Namespace string
	// ServiceAccount for lab pods (optional)
	ServiceAccount string
	Image          string
	Command        []string
	// Default resource limits for labs
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesRunner implements the Runner interface using Kubernetes Jobs.
// The bundle is shipped in a ConfigMap mounted at the lab directory.
type KubernetesRunner struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	registry  *registry
	// limits are parsed once from the configured defaults.
	limits corev1.ResourceList
	// pollInterval paces pod lookups.
	pollInterval time.Duration
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRunner creates a new Kubernetes-based runner.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRunner(cfg KubernetesConfig) (*KubernetesRunner, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		log.Printf("In-cluster config not available, trying kubeconfig: %v", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		log.Printf("Using kubeconfig: %s", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return newKubernetesRunner(clientset, cfg)
}

func newKubernetesRunner(clientset kubernetes.Interface, cfg KubernetesConfig) (*KubernetesRunner, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	cpu, err := resource.ParseQuantity(cfg.DefaultCPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu limit %q: %w", cfg.DefaultCPULimit, err)
	}
	memory, err := resource.ParseQuantity(cfg.DefaultMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.DefaultMemoryLimit, err)
	}
	return &KubernetesRunner{
		clientset: clientset,
		config:    cfg,
		registry:  newRegistry(),
		limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: memory,
		},
		pollInterval: 500 * time.Millisecond,
	}, nil
}

// resourceName turns an execution id into a valid DNS-1123 label.
func resourceName(executionID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(executionID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	name := "lab-" + strings.Trim(b.String(), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Start implements Runner.Start by creating a ConfigMap and a Kubernetes Job.
func (k *KubernetesRunner) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if err := ValidateBundle(opts.Lab); err != nil {
		return nil, err
	}
	if len(k.config.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	name := resourceName(opts.ExecutionID)
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "labplane",
		"labplane/execution":           name,
	}

	// ConfigMap keys cannot contain slashes, so files are stored under
	// positional keys and projected back to their paths.
	data := make(map[string]string, len(opts.Lab.Files))
	items := make([]corev1.KeyToPath, 0, len(opts.Lab.Files))
	for i, f := range opts.Lab.Files {
		clean, _ := cleanName(f.Name)
		key := fmt.Sprintf("file-%d", i)
		data[key] = f.Content
		items = append(items, corev1.KeyToPath{Key: key, Path: clean})
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.config.Namespace, Labels: labels},
		Data:       data,
	}
	if _, err := k.clientset.CoreV1().ConfigMaps(k.config.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create bundle configmap: %w", err)
	}

	var envVars []corev1.EnvVar
	for key, value := range runEnv(opts) {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	backoffLimit := int32(0) // A lab run is never retried
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     name,
						"app.kubernetes.io/managed-by": "labplane",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: boolPtr(false),
					Containers: []corev1.Container{
						{
							Name:       "lab",
							Image:      k.config.Image,
							Command:    k.config.Command,
							Env:        envVars,
							WorkingDir: labDir,
							Resources: corev1.ResourceRequirements{
								Limits: k.limits.DeepCopy(),
							},
							VolumeMounts: []corev1.VolumeMount{{Name: "lab", MountPath: labDir}},
						},
					},
					Volumes: []corev1.Volume{{
						Name: "lab",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: name},
								Items:                items,
							},
						},
					}},
				},
			},
		},
	}
	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	if _, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		k.deleteConfigMap(context.Background(), name)
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	log.Printf("Created Kubernetes Job %s in namespace %s", name, k.config.Namespace)

	var (
		stopOnce sync.Once
		mu       sync.Mutex
		stopped  bool
	)
	stop := func(stopCtx context.Context) error {
		var err error
		stopOnce.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			err = k.cleanup(stopCtx, name)
		})
		return err
	}
	if err := k.registry.add(opts.ExecutionID, stop); err != nil {
		k.cleanup(context.Background(), name)
		return nil, err
	}

	s := newStream()
	go func() {
		defer k.registry.remove(opts.ExecutionID)

		result := k.follow(ctx, s, name)
		mu.Lock()
		result.Stopped = stopped
		mu.Unlock()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		k.cleanup(cleanupCtx, name)
		cancel()
		s.finish(result)
	}()

	return s, nil
}

// follow relays the pod's logs and returns how the pod ended.
// Pod logs are not split by stream, so everything is relayed as stdout.
func (k *KubernetesRunner) follow(ctx context.Context, s *stream, jobName string) ExitResult {
	podName, err := k.waitForPod(ctx, jobName)
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}
	}
	if err := k.waitForContainerReady(ctx, podName); err != nil {
		return ExitResult{ExitCode: -1, Error: err}
	}

	req := k.clientset.CoreV1().Pods(k.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "lab",
		Follow:    true,
	})
	logs, err := req.Stream(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1, Error: fmt.Errorf("failed to stream logs: %w", err)}
	}
	pump(ctx, s, OriginStdout, logs)
	logs.Close()

	return k.podResult(ctx, podName)
}

func (k *KubernetesRunner) podResult(ctx context.Context, podName string) ExitResult {
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		pod, err := k.clientset.CoreV1().Pods(k.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			// Deleted by Stop.
			return ExitResult{ExitCode: -1}
		}
		if err != nil {
			return ExitResult{ExitCode: -1, Error: err}
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return ExitResult{ExitCode: 0}
		case corev1.PodFailed:
			exitCode := -1
			var reason error
			if len(pod.Status.ContainerStatuses) > 0 {
				if term := pod.Status.ContainerStatuses[0].State.Terminated; term != nil {
					exitCode = int(term.ExitCode)
					if term.Reason != "" {
						reason = fmt.Errorf("%s", term.Reason)
					}
				}
			}
			return ExitResult{ExitCode: exitCode, Error: reason}
		}

		select {
		case <-ctx.Done():
			return ExitResult{ExitCode: -1, Error: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// waitForPod waits for the job's pod to be created and returns its name.
func (k *KubernetesRunner) waitForPod(ctx context.Context, jobName string) (string, error) {
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := k.clientset.CoreV1().Pods(k.config.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
			if _, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Get(ctx, jobName, metav1.GetOptions{}); apierrors.IsNotFound(err) {
				return "", fmt.Errorf("job %s was deleted before its pod started", jobName)
			}
		}
	}
}

// waitForContainerReady waits for the container to start (or complete).
func (k *KubernetesRunner) waitForContainerReady(ctx context.Context, podName string) error {
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := k.clientset.CoreV1().Pods(k.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}
	}
}

// cleanup deletes the Job (and its pods) and the bundle ConfigMap. Missing objects are fine.
func (k *KubernetesRunner) cleanup(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(k.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	return k.deleteConfigMap(ctx, name)
}

func (k *KubernetesRunner) deleteConfigMap(ctx context.Context, name string) error {
	err := k.clientset.CoreV1().ConfigMaps(k.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete configmap %s: %w", name, err)
	}
	return nil
}

// Stop implements Runner.Stop by deleting the execution's Job.
func (k *KubernetesRunner) Stop(ctx context.Context, executionID string) error {
	return k.registry.stop(ctx, executionID)
}

func boolPtr(b bool) *bool { return &b }

