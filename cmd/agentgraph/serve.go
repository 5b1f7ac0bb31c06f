package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/mcp"
	"github.com/vinayprograms/agentkit/policy"
	"github.com/vinayprograms/agentkit/security"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/credentials"
	"github.com/agentgraph/runtime/internal/executor"
	"github.com/agentgraph/runtime/internal/graph"
	"github.com/agentgraph/runtime/internal/llmclient"
	"github.com/agentgraph/runtime/internal/rtconfig"
	"github.com/agentgraph/runtime/internal/runtime"
	"github.com/agentgraph/runtime/internal/sessionstore"
	"github.com/agentgraph/runtime/internal/toolsbridge"
	"github.com/agentgraph/runtime/internal/trigger"

	agentkitllm "github.com/vinayprograms/agentkit/llm"
)

// ServeCmd boots the runtime: it wires every collaborator declared as
// external in the runtime's own scope (LLM provider, tool registry, MCP
// bridge, credential store) around the runtime core, loads every graph spec
// named by the config, and runs until interrupted. It is the one place
// those external collaborators are actually constructed — everywhere else
// in this module sees them only through the narrow interfaces the runtime
// core defines.
type ServeCmd struct {
	Config string `short:"c" default:"runtime.toml" help:"Path to runtime.toml"`
	Watch  bool   `help:"Hot-reload graph specs when their files change on disk"`
}

func (c *ServeCmd) Run() error {
	cfg, err := rtconfig.LoadFile(c.Config)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	creds, credsPath, err := credentials.Load()
	if err != nil {
		return fmt.Errorf("serve: load credentials: %w", err)
	}
	if creds != nil {
		fmt.Printf("agentgraph: loaded credentials from %s\n", credsPath)
	} else {
		creds = &credentials.Credentials{}
	}

	storagePath, err := cfg.ExpandedStoragePath()
	if err != nil {
		return fmt.Errorf("serve: resolve storage path: %w", err)
	}
	catalogPath := ""
	if cfg.Storage.CatalogDB {
		catalogPath = filepath.Join(storagePath, "catalog.sqlite")
	}
	sessStore, err := sessionstore.Open(storagePath, catalogPath)
	if err != nil {
		return fmt.Errorf("serve: open session store: %w", err)
	}
	defer sessStore.Close()

	var telem telemetry.Exporter
	if cfg.Telemetry.Enabled {
		telem, err = telemetry.NewExporter(cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("serve: create telemetry exporter: %w", err)
		}
	} else {
		telem = telemetry.NewNoopExporter()
	}
	defer telem.Close()

	var mirror bus.MirrorSink
	if cfg.Bus.NATSURL != "" {
		natsMirror, err := bus.NewNATSMirror(cfg.Bus.NATSURL, cfg.Bus.MirrorSubject)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentgraph: warning: NATS mirror unavailable: %v\n", err)
		} else {
			mirror = natsMirror
			defer natsMirror.Close()
		}
	}
	eventBus := bus.New(mirror)

	var webhooks *trigger.WebhookServer
	if cfg.Webhook.ListenAddr != "" {
		webhooks, err = trigger.NewWebhookServer(cfg.Webhook.ListenAddr, trigger.TailscaleOptions{
			Enabled:  cfg.Tailscale.Enabled,
			Hostname: cfg.Tailscale.Hostname,
			AuthKey:  os.Getenv(cfg.Tailscale.AuthKeyEnv),
			StateDir: cfg.Tailscale.StateDir,
		})
		if err != nil {
			return fmt.Errorf("serve: start webhook server: %w", err)
		}
	}

	providerName := cfg.LLM.Provider
	if providerName == "" {
		providerName = agentkitllm.InferProviderFromModel(cfg.LLM.Model)
	}
	apiKey := cfg.GetAPIKey()
	if apiKey == "" {
		if key, ok := creds.Get(providerName, ""); ok {
			apiKey = key
		}
	}
	provider, err := agentkitllm.NewProvider(agentkitllm.ProviderConfig{
		Provider:  providerName,
		Model:     cfg.LLM.Model,
		APIKey:    apiKey,
		MaxTokens: cfg.LLM.MaxTokens,
		BaseURL:   cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("serve: create LLM provider: %w", err)
	}
	llmClient := llmclient.New(provider)

	registry := tools.NewRegistry(policy.New())
	toolBridge := toolsbridge.New(registry)
	if len(cfg.MCP.Servers) > 0 {
		mcpManager := mcp.NewManager()
		mcpCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for name, serverCfg := range cfg.MCP.Servers {
			if err := mcpManager.Connect(mcpCtx, name, mcp.ServerConfig{
				Command: serverCfg.Command,
				Args:    serverCfg.Args,
				Env:     serverCfg.Env,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "agentgraph: warning: MCP server %q unavailable: %v\n", name, err)
			}
		}
		cancel()
		toolBridge.SetMCPManager(mcpManager)
	}

	exec := executor.New(llmClient, toolBridge, nil, eventBus, nil)

	securityMode := security.ModeDefault
	switch cfg.Security.Mode {
	case "paranoid":
		securityMode = security.ModeParanoid
	case "research":
		securityMode = security.ModeResearch
	}
	userTrust := security.TrustUntrusted
	switch cfg.Security.UserTrust {
	case "trusted":
		userTrust = security.TrustTrusted
	case "vetted":
		userTrust = security.TrustVetted
	}
	var triageProvider agentkitllm.Provider
	if cfg.Security.TriageProvider != "" || cfg.Security.TriageModel != "" {
		triageProviderName := cfg.Security.TriageProvider
		if triageProviderName == "" {
			triageProviderName = agentkitllm.InferProviderFromModel(cfg.Security.TriageModel)
		}
		triageAPIKey := apiKey
		if key, ok := creds.Get(triageProviderName, ""); ok {
			triageAPIKey = key
		}
		if p, err := agentkitllm.NewProvider(agentkitllm.ProviderConfig{
			Provider: triageProviderName,
			Model:    cfg.Security.TriageModel,
			APIKey:   triageAPIKey,
		}); err == nil {
			triageProvider = p
		}
	}
	securityVerifier, err := security.NewVerifier(security.Config{
		Mode:               securityMode,
		ResearchScope:      cfg.Security.ResearchScope,
		UserTrust:          userTrust,
		TriageProvider:     triageProvider,
		SupervisorProvider: provider,
	}, cfg.Runtime.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentgraph: warning: security verifier unavailable: %v\n", err)
	} else {
		exec.SetSecurityVerifier(securityVerifier)
		exec.SetExternalToolNames(cfg.Security.ExternalToolNames...)
		defer securityVerifier.Destroy()
	}

	rt := runtime.New(sessStore, eventBus, exec, webhooks)

	loaded := make(map[string]string) // graphID -> source path, for hot reload
	primary := true
	for _, path := range cfg.Runtime.GraphPaths {
		spec, err := graph.LoadFile(path)
		if err != nil {
			return fmt.Errorf("serve: load graph %s: %w", path, err)
		}
		subpath := ""
		if !primary {
			subpath = spec.ID
		}
		if err := rt.AddGraph(spec.ID, spec, cfg.Runtime.ID, subpath); err != nil {
			return fmt.Errorf("serve: add graph %s: %w", path, err)
		}
		loaded[spec.ID] = path
		primary = false
	}
	if len(loaded) == 0 {
		return fmt.Errorf("serve: no graph_paths configured in %s", c.Config)
	}

	if webhooks != nil {
		if secret, ok := creds.Get("webhook", ""); ok {
			webhooks.Register("/", secret, func(path string, body []byte) {
				eventBus.Publish(bus.Event{
					Type:    bus.WebhookReceived,
					Payload: map[string]any{"sourceId": path, "body": string(body)},
				})
			})
		}
		go func() {
			if err := webhooks.Serve(); err != nil {
				fmt.Fprintf(os.Stderr, "agentgraph: webhook server stopped: %v\n", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			webhooks.Shutdown(ctx)
		}()
	}

	if c.Watch {
		go watchGraphFiles(rt, loaded)
	}

	subID, events := eventBus.Subscribe(bus.Filter{})
	defer eventBus.Unsubscribe(subID)
	go func() {
		for e := range events {
			fmt.Println(formatEvent(e))
		}
	}()

	fmt.Printf("agentgraph: serving %d graph(s) from %s\n", len(loaded), storagePath)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("agentgraph: shutting down")
	return nil
}

// watchGraphFiles hot-reloads a graph when its source file changes on disk:
// re-parse, re-validate, and swap the registration only if the new spec
// loads cleanly, so a syntax error in an edited file never tears down a
// running graph.
func watchGraphFiles(rt *runtime.Runtime, loaded map[string]string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentgraph: watch disabled: %v\n", err)
		return
	}
	defer watcher.Close()

	pathToGraph := make(map[string]string, len(loaded))
	for graphID, path := range loaded {
		dir := filepath.Dir(path)
		if err := watcher.Add(dir); err != nil {
			fmt.Fprintf(os.Stderr, "agentgraph: watch %s: %v\n", dir, err)
			continue
		}
		pathToGraph[path] = graphID
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			graphID, ok := pathToGraph[ev.Name]
			if !ok {
				continue
			}
			spec, err := graph.LoadFile(ev.Name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "agentgraph: reload %s: %v (keeping previous version)\n", ev.Name, err)
				continue
			}
			if err := rt.RemoveGraph(graphID); err != nil {
				fmt.Fprintf(os.Stderr, "agentgraph: reload %s: remove: %v\n", ev.Name, err)
				continue
			}
			sessionID := uuid.NewString()
			if err := rt.AddGraph(graphID, spec, sessionID, ""); err != nil {
				fmt.Fprintf(os.Stderr, "agentgraph: reload %s: add: %v\n", ev.Name, err)
				continue
			}
			fmt.Printf("agentgraph: reloaded graph %q from %s\n", graphID, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "agentgraph: watch error: %v\n", err)
		}
	}
}

// formatEvent renders one bus.Event as a single log line for the serve
// command's stdout tail.
func formatEvent(e bus.Event) string {
	return fmt.Sprintf("[%s] %s graph=%s stream=%s node=%s",
		e.Timestamp.Format("15:04:05.000"), e.Type, e.GraphID, e.StreamID, e.NodeID)
}
