package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anacostia-go/anacostia/internal/artifact"
	"github.com/anacostia-go/anacostia/internal/config"
	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/graph"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/node"
	"github.com/anacostia-go/anacostia/internal/pipelineserver"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve()
		return
	}
	fmt.Println("anacostia v0.1.0")
	fmt.Println("Usage: anacostia serve")
}

func serve() {
	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.Default()
	queue := eventqueue.New(1024)

	store, err := buildMetadataStore(cfg)
	if err != nil {
		slog.Error("metadata store error", "err", err)
		os.Exit(1)
	}

	nodes, err := buildNodes(cfg, queue, logger, store)
	if err != nil {
		slog.Error("node configuration error", "err", err)
		os.Exit(1)
	}

	pipeline, err := graph.Build(cfg.Pipeline.Name, nodes, logger)
	if err != nil {
		slog.Error("pipeline construction failed", "err", err)
		os.Exit(1)
	}

	srv := pipelineserver.New(pipeline, queue, cfg.Server.Host, cfg.Server.Port, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("pipeline server error", "err", err)
		os.Exit(1)
	}
}

func buildMetadataStore(cfg *config.Config) (metadata.Store, error) {
	switch cfg.Metadata.Backend {
	case "", "memory":
		return metadata.NewMemoryStore(), nil
	case "postgres":
		return metadata.OpenPostgresStore(context.Background(), cfg.Metadata.URL)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

func buildNodes(cfg *config.Config, queue *eventqueue.Queue, logger *slog.Logger, store metadata.Store) ([]node.Node, error) {
	byName := make(map[string]node.Node, len(cfg.Pipeline.Nodes))
	nodes := make([]node.Node, 0, len(cfg.Pipeline.Nodes))

	for _, nc := range cfg.Pipeline.Nodes {
		var built node.Node
		switch nc.Type {
		case "metadata_store":
			ms := node.NewMetadataStoreNode(nc.Name, queue, logger, store)
			ms.MonitorInterval = cfg.Monitor.Interval()
			built = ms
		case "resource":
			var as artifact.Store
			if nc.Path != "" {
				fsStore, err := artifact.NewFilesystemStore(nc.Path, logger)
				if err != nil {
					return nil, fmt.Errorf("node %q: %w", nc.Name, err)
				}
				as = fsStore
			}
			rn := node.NewResourceNode(nc.Name, queue, logger, store, as)
			rn.MonitoringEnabled = nc.Path != ""
			rn.ResourcePath = nc.Path
			rn.MonitorInterval = cfg.Monitor.Interval()
			if nc.Trigger != "" {
				if err := rn.SetResourceTriggerExpression(nc.Trigger); err != nil {
					return nil, fmt.Errorf("node %q: %w", nc.Name, err)
				}
			}
			built = rn
		case "action":
			built = node.NewActionNode(nc.Name, queue, logger)
		default:
			return nil, fmt.Errorf("node %q: unknown type %q", nc.Name, nc.Type)
		}

		b := built.Base()
		b.SetWaitForConnection(nc.WaitForConnection)
		for _, ru := range nc.RemoteSuccessors {
			b.AddRemoteSuccessor(ru)
		}
		byName[nc.Name] = built
		nodes = append(nodes, built)
	}

	for _, nc := range cfg.Pipeline.Nodes {
		for _, pred := range nc.Predecessors {
			p, ok := byName[pred]
			if !ok {
				return nil, fmt.Errorf("node %q: predecessor %q is not declared", nc.Name, pred)
			}
			byName[nc.Name].Base().AddLocalPredecessor(p.Base())
		}
	}
	return nodes, nil
}
