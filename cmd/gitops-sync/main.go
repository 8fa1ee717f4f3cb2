// Command gitops-sync reconciles a Kubernetes cluster against a Git
// repository's declared application set: clone/refresh the repo, detect a
// commit change, and drive helm install/upgrade + health probing for every
// declared application, on a fixed interval, forever.
package main

import (
	"fmt"
	"os"

	"github.com/hedgehog/gitops-sync/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/etc/gitops-sync/config.yaml"
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
