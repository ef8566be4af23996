// Package health checks that the Kubernetes control plane answers again
// after etcd came back.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

var ErrUnhealthy = errors.New("cluster not healthy")

// NodeReport summarises one node listing.
type NodeReport struct {
	Total int
	Ready int
}

// PodReport counts pods by phase in one namespace.
type PodReport struct {
	Namespace string
	Total     int
	Running   int
}

type Checker struct {
	client kubernetes.Interface
}

func NewChecker(client kubernetes.Interface) *Checker {
	return &Checker{client: client}
}

// FromKubeconfig builds a checker from a kubeconfig path. An empty path
// falls back to the in-cluster service account.
func FromKubeconfig(path string) (*Checker, error) {
	var (
		cfg *rest.Config
		err error
	)
	if path == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}
	cfg.Timeout = 15 * time.Second
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewChecker(cs), nil
}

// Nodes lists nodes. The cluster is considered healthy when the listing
// succeeds and returns at least one node.
func (c *Checker) Nodes(ctx context.Context) (NodeReport, error) {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return NodeReport{}, fmt.Errorf("%w: list nodes: %w", ErrUnhealthy, err)
	}
	rep := NodeReport{Total: len(nodes.Items)}
	for _, n := range nodes.Items {
		if nodeReady(n) {
			rep.Ready++
		}
	}
	if rep.Total == 0 {
		return rep, fmt.Errorf("%w: no nodes registered", ErrUnhealthy)
	}
	return rep, nil
}

// Pods is informational only; it never decides health.
func (c *Checker) Pods(ctx context.Context, namespace string) (PodReport, error) {
	pods, err := c.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return PodReport{Namespace: namespace}, fmt.Errorf("list pods in %q: %w", namespace, err)
	}
	rep := PodReport{Namespace: namespace, Total: len(pods.Items)}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			rep.Running++
		}
	}
	return rep, nil
}

// Wait polls Nodes every interval until it succeeds or timeout elapses.
func (c *Checker) Wait(ctx context.Context, timeout, interval time.Duration) (NodeReport, error) {
	start := time.Now()
	var rep NodeReport
	err := retry.Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		r, err := c.Nodes(ctx)
		if err != nil {
			log.Debug().Err(err).Str("action", "health_probe").Msg("cluster not answering yet")
			return false, err
		}
		rep = r
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnhealthy) {
			return rep, err
		}
		return rep, fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	log.Info().Str("action", "health_probe").Int("nodes", rep.Total).Int("ready", rep.Ready).
		Dur("elapsed_ms", time.Since(start)).Msg("cluster answering")
	return rep, nil
}

func nodeReady(n corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
