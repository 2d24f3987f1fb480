package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/lk2023060901/routenode/pkg/app"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/node"
)

func main() {
	configPath := flag.String("config", "routenode.yaml", "path to the node config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "routenode: %+v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := app.LoadConfigFromFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.InitLoggers(); err != nil {
		return err
	}

	log := logger.Get(node.LoggerName)
	if len(cfg.Loggers) == 0 {
		log = logger.NewConsole(logger.LevelInfo)
	}

	n, err := node.New(cfg.Node, node.WithLogger(log))
	if err != nil {
		return err
	}
	return app.New(cfg.Node.NodeName, n, app.WithLogger(log)).Run(context.Background())
}
