// Command prebuild-agent is the CLI harness for the prebuild activities: it
// wires the collaborators and then either runs the ops sidecar (the "serve"
// action) or dispatches a single named activity with its JSON argument
// file — standing in for the external
// workflow engine that invokes these activities in a real deployment
// (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prebuildops/agent/internal/activities"
	"github.com/prebuildops/agent/internal/config"
	"github.com/prebuildops/agent/internal/httpserver"
	"github.com/prebuildops/agent/internal/ipalloc"
	"github.com/prebuildops/agent/internal/sshgateway"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/store"
	"github.com/prebuildops/agent/internal/vmmgr"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <activity> <args.json>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "activities: fetch_repository, build_fs, checkout_and_inspect, prebuild, start_workspace, stop_workspace, serve\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ipAlloc, err := ipalloc.New(cfg.IPPoolStatePath, cfg.MinIPBlockID, cfg.MaxIPBlockID)
	if err != nil {
		log.Fatalf("open IP block allocator: %v", err)
	}

	vmCfg := vmmgr.LoadConfig()
	dialer := sshsession.Dialer{
		User:           vmCfg.SSHUser,
		PrivateKeyPath: cfg.SSHPrivateKeyPath,
		Timeout:        10 * time.Second,
	}

	mgr := vmmgr.NewManager(vmCfg, ipAlloc, dialer, logger)
	gateway := sshgateway.NewHTTPClient(cfg.SSHGatewayURL)
	reg := activities.NewRegistry(db, mgr, dialer, gateway, logger)

	action := os.Args[1]

	if action == "serve" {
		logger.Info("prebuild-agent: ops sidecar starting", "addr", cfg.OpsAddr)
		srv := httpserver.NewServer(cfg.OpsAddr, logger)
		if err := srv.Run(); err != nil {
			log.Fatalf("ops sidecar error: %v", err)
		}
		return
	}

	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	argsFile := os.Args[2]
	raw, err := os.ReadFile(argsFile)
	if err != nil {
		log.Fatalf("read args file %s: %v", argsFile, err)
	}

	result, err := dispatch(reg, action, raw)
	if err != nil {
		log.Fatalf("activity %s failed: %v", action, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("encode result: %v", err)
	}
}

func dispatch(reg *activities.Registry, action string, raw []byte) (any, error) {
	ctx := context.Background()

	switch action {
	case "fetch_repository":
		var args activities.FetchRepositoryArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return reg.FetchRepository(ctx, args)

	case "build_fs":
		var args activities.BuildFsArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return reg.BuildFs(ctx, args)

	case "checkout_and_inspect":
		var args activities.CheckoutAndInspectArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return reg.CheckoutAndInspect(ctx, args)

	case "prebuild":
		var args activities.PrebuildArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return reg.Prebuild(ctx, args)

	case "start_workspace":
		var args activities.StartWorkspaceArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return reg.StartWorkspace(ctx, args)

	case "stop_workspace":
		var args activities.StopWorkspaceArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return struct{}{}, reg.StopWorkspace(ctx, args)

	default:
		return nil, fmt.Errorf("unknown activity %q", action)
	}
}
