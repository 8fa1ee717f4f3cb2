// Package kube builds a Kubernetes client-go clientset the same way the
// rest of this codebase's ancestor does: kubeconfig first, in-cluster
// config as a fallback.
package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config selects how to reach the cluster and bounds client behavior.
type Config struct {
	Kubeconfig string
	QPS        float32
	Burst      int
}

// NewClientset builds a clientset from cfg. It picks the first kubeconfig
// path that is set among cfg.Kubeconfig, $KUBECONFIG and ~/.kube/config;
// if that file is missing or unusable, it falls back to in-cluster config
// without trying the later paths.
func NewClientset(cfg Config) (kubernetes.Interface, error) {
	restConfig, err := buildRestConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build rest config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

func buildRestConfig(cfg Config) (*rest.Config, error) {
	kubeconfigPath := cfg.Kubeconfig
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}

	if kubeconfigPath != "" {
		if _, statErr := os.Stat(kubeconfigPath); statErr == nil {
			restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
			if err == nil {
				applyOverrides(restConfig, cfg)
				return restConfig, nil
			}
		}
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no usable kubeconfig and not running in-cluster: %w", err)
	}
	applyOverrides(restConfig, cfg)
	return restConfig, nil
}

func applyOverrides(restConfig *rest.Config, cfg Config) {
	if cfg.QPS > 0 {
		restConfig.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restConfig.Burst = cfg.Burst
	}
	restConfig.UserAgent = "gitops-sync"
}
