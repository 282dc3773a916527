// Package platform starts and observes builds on the external build platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	buildv1 "github.com/openshift/api/build/v1"
	buildclient "github.com/openshift/client-go/build/clientset/versioned"
	buildscheme "github.com/openshift/client-go/build/clientset/versioned/scheme"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Platform is the build platform contract the phase workers rely on.
type Platform interface {
	// Login establishes an authenticated session.
	Login(ctx context.Context) error

	// StartBuild instantiates the build configuration named phase in
	// project and returns the new build's id.
	StartBuild(ctx context.Context, project, phase string) (string, error)

	// WaitForStatus blocks until the build reaches a final phase and
	// reports whether that phase is status.
	WaitForStatus(ctx context.Context, project, buildID, status string) (bool, error)

	// GetLogs returns the complete log of a build.
	GetLogs(ctx context.Context, project, buildID, phase string) (string, error)
}

// Config holds configuration for the OpenShift platform client.
type Config struct {
	// Kubeconfig path. Empty tries in-cluster config, then ~/.kube/config.
	Kubeconfig string
	// PollInterval between build status checks (default: 10s).
	PollInterval time.Duration
}

// OpenShift implements Platform against the OpenShift build API.
type OpenShift struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client buildclient.Interface
}

var _ Platform = (*OpenShift)(nil)

// NewOpenShift returns a client that connects on Login.
func NewOpenShift(cfg Config, log *slog.Logger) *OpenShift {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &OpenShift{config: cfg, logger: log}
}

// newOpenShiftWithClient wires an existing clientset, skipping Login.
func newOpenShiftWithClient(client buildclient.Interface, cfg Config, log *slog.Logger) *OpenShift {
	o := NewOpenShift(cfg, log)
	o.client = client
	return o
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

func (o *OpenShift) restConfig() (*rest.Config, error) {
	if o.config.Kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", o.config.Kubeconfig)
	}
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}
	o.logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
	kubeconfig := filepath.Join(homeDir(), ".kube", "config")
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Login implements Platform.Login. The session is reused by later calls.
func (o *OpenShift) Login(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client != nil {
		return nil
	}
	config, err := o.restConfig()
	if err != nil {
		return fmt.Errorf("failed to build openshift config: %w", err)
	}
	client, err := buildclient.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("failed to create openshift build client: %w", err)
	}
	o.client = client
	o.logger.Info("logged in to openshift", "host", config.Host)
	return nil
}

func (o *OpenShift) builds() (buildclient.Interface, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == nil {
		return nil, errors.New("openshift: not logged in")
	}
	return o.client, nil
}

// StartBuild implements Platform.StartBuild.
func (o *OpenShift) StartBuild(ctx context.Context, project, phase string) (string, error) {
	client, err := o.builds()
	if err != nil {
		return "", err
	}

	build, err := client.BuildV1().BuildConfigs(project).Instantiate(ctx, phase, &buildv1.BuildRequest{
		ObjectMeta: metav1.ObjectMeta{Name: phase},
	}, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to start %s build in %s: %w", phase, project, err)
	}

	o.logger.Info("started build", "project", project, "build", build.Name)
	return build.Name, nil
}

// finalPhase reports whether a build can no longer change phase.
func finalPhase(p buildv1.BuildPhase) bool {
	switch p {
	case buildv1.BuildPhaseComplete, buildv1.BuildPhaseFailed,
		buildv1.BuildPhaseError, buildv1.BuildPhaseCancelled:
		return true
	}
	return false
}

// WaitForStatus implements Platform.WaitForStatus. It polls until the build
// reaches status or any other final phase, or ctx is done.
func (o *OpenShift) WaitForStatus(ctx context.Context, project, buildID, status string) (bool, error) {
	client, err := o.builds()
	if err != nil {
		return false, err
	}

	var reached buildv1.BuildPhase
	err = wait.PollUntilContextCancel(ctx, o.config.PollInterval, true, func(ctx context.Context) (bool, error) {
		build, err := client.BuildV1().Builds(project).Get(ctx, buildID, metav1.GetOptions{})
		if err != nil {
			return false, fmt.Errorf("failed to get build %s: %w", buildID, err)
		}
		reached = build.Status.Phase
		if string(reached) == status || finalPhase(reached) {
			return true, nil
		}
		o.logger.Debug("build still running", "project", project, "build", buildID, "phase", string(reached))
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return string(reached) == status, nil
}

// GetLogs implements Platform.GetLogs.
func (o *OpenShift) GetLogs(ctx context.Context, project, buildID, phase string) (string, error) {
	client, err := o.builds()
	if err != nil {
		return "", err
	}

	raw, err := client.BuildV1().RESTClient().Get().
		Namespace(project).
		Resource("builds").
		Name(buildID).
		SubResource("log").
		VersionedParams(&buildv1.BuildLogOptions{}, buildscheme.ParameterCodec).
		DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s logs for build %s: %w", phase, buildID, err)
	}
	return string(raw), nil
}
