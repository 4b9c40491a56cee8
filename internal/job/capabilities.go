package job

// Capabilities are the optional behaviors a driver supports, as reported by
// the probe and merged over DefaultCapabilities.
type Capabilities struct {
	Screenshot bool `json:"screenshot"`
	Console    bool `json:"console"`
	Parallel   bool `json:"parallel"`
	// Modules maps helper module names to their installation directory.
	Modules map[string]string `json:"modules"`
}

// DefaultCapabilities is what a driver is assumed to support when it does not
// say otherwise.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Screenshot: true,
		Console:    false,
		Parallel:   true,
		Modules:    map[string]string{},
	}
}

func (c Capabilities) clone() Capabilities {
	modules := make(map[string]string, len(c.Modules))
	for name, path := range c.Modules {
		modules[name] = path
	}
	c.Modules = modules
	return c
}
