package browser

import (
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// mergeCapabilities applies the fields the driver reported over the defaults.
// Module paths are filled in later, once resolved.
func mergeCapabilities(desc protocol.CapabilityDescriptor) job.Capabilities {
	caps := job.DefaultCapabilities()
	if desc.Screenshot != nil {
		caps.Screenshot = *desc.Screenshot
	}
	if desc.Console != nil {
		caps.Console = *desc.Console
	}
	if desc.Parallel != nil {
		caps.Parallel = *desc.Parallel
	}
	return caps
}
