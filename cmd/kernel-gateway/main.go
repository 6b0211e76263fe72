package main

import (
	"log"

	"github.com/soullab/kernel-gateway/core/controlplane/gateway"
	"github.com/soullab/kernel-gateway/core/infra/buildinfo"
	"github.com/soullab/kernel-gateway/core/infra/config"
	"github.com/soullab/kernel-gateway/core/infra/logging"
)

func main() {
	buildinfo.Log("kernel-gateway")
	cfg, err := config.Load()
	if err != nil {
		logging.Warn("kernel-gateway", "capabilities config not loaded, using built-ins", "error", err)
	}
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("kernel gateway error: %v", err)
	}
}
