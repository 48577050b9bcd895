// Package activities implements the five workload activities the external
// workflow engine invokes: FetchRepository, BuildFs, CheckoutAndInspect,
// Prebuild, and StartWorkspace/StopWorkspace. Each is a plain function on
// Registry taking a typed argument record and returning a typed result
// record — no handles cross an activity boundary, so arguments and results
// survive process restarts.
package activities

import (
	"log/slog"

	"github.com/prebuildops/agent/internal/sshgateway"
	"github.com/prebuildops/agent/internal/sshsession"
	"github.com/prebuildops/agent/internal/store"
	"github.com/prebuildops/agent/internal/vmmgr"
)

// Registry is a fixed struct of constructed collaborators that each
// activity method closes over — the DI container replacement: no dynamic
// dispatch is needed beyond selecting which activity to run.
type Registry struct {
	Store     store.Store
	VMMgr     *vmmgr.Manager
	SSHDialer sshsession.Dialer
	Gateway   sshgateway.Client
	Logger    *slog.Logger
}

// NewRegistry constructs a Registry from its collaborators.
func NewRegistry(st store.Store, mgr *vmmgr.Manager, dialer sshsession.Dialer, gateway sshgateway.Client, logger *slog.Logger) *Registry {
	return &Registry{
		Store:     st,
		VMMgr:     mgr,
		SSHDialer: dialer,
		Gateway:   gateway,
		Logger:    logger,
	}
}
