package activities

import "github.com/prebuildops/agent/internal/model"

// CompositeError and NewCompositeError are aliased from internal/model,
// which also needs the type (vmmgr.ShutdownVMAndReleaseResources combines
// teardown-step failures the same way a prebuild task combines an exec
// failure with a status-write failure). Centralizing the type there avoids
// an import cycle between vmmgr and activities while keeping one concrete
// type for errors.As/errors.Is across both packages.
type CompositeError = model.CompositeError

// NewCompositeError combines non-nil errors, per model.NewCompositeError.
var NewCompositeError = model.NewCompositeError

// ValidationFailed reports a captured value that did not match its expected
// schema — a background task PID, or a project config file.
type ValidationFailed = model.ValidationFailed
