package protocol

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ChannelFDsEnv names the environment variable through which a driver learns
// the descriptors of its private channel, formatted as "<read>,<write>".
const ChannelFDsEnv = "PAGERUNNER_CHANNEL_FDS"

// LaunchConfig is written to disk before a driver is spawned. Its path is the
// driver's only positional argument.
type LaunchConfig struct {
	URL  string   `json:"url"`
	Args []string `json:"args"`
	// Capabilities is set only in probe mode. It is the path where the driver
	// writes its CapabilityDescriptor.
	Capabilities string `json:"capabilities,omitempty"`
	// Modules maps the modules the driver declared to their resolved
	// installation directories.
	Modules map[string]string `json:"modules,omitempty"`
	Retry   int               `json:"retry"`
}

// CapabilityDescriptor is what a driver reports in probe mode. Absent booleans
// take the runner's defaults.
type CapabilityDescriptor struct {
	Screenshot *bool    `json:"screenshot,omitempty"`
	Console    *bool    `json:"console,omitempty"`
	Parallel   *bool    `json:"parallel,omitempty"`
	Modules    []string `json:"modules,omitempty"`
}

// WriteLaunchConfig stores cfg at path.
func WriteLaunchConfig(path string, cfg LaunchConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode launch config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write launch config: %w", err)
	}
	return nil
}

// ReadLaunchConfig loads the launch configuration written by the runner.
func ReadLaunchConfig(path string) (LaunchConfig, error) {
	var cfg LaunchConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read launch config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode launch config: %w", err)
	}
	return cfg, nil
}

// WriteCapabilities is used by drivers to answer a probe.
func WriteCapabilities(path string, desc CapabilityDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadCapabilities parses the descriptor written by a probed driver. The file
// must hold a JSON object.
func ReadCapabilities(path string) (CapabilityDescriptor, error) {
	var desc CapabilityDescriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return desc, err
	}
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return desc, fmt.Errorf("%w: capabilities must be a JSON object", ErrInvalidMessage)
	}
	if err := json.Unmarshal([]byte(trimmed), &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return desc, nil
}

// OpenChildConn opens the channel inherited from the runner. It is called by
// driver programs.
func OpenChildConn() (*Conn, error) {
	fds := os.Getenv(ChannelFDsEnv)
	if fds == "" {
		return nil, fmt.Errorf("protocol: %s is not set, not started by a runner", ChannelFDsEnv)
	}
	parts := strings.Split(fds, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("protocol: malformed %s %q", ChannelFDsEnv, fds)
	}
	readFD, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed read descriptor: %w", err)
	}
	writeFD, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed write descriptor: %w", err)
	}
	r := os.NewFile(uintptr(readFD), "pagerunner-in")
	w := os.NewFile(uintptr(writeFD), "pagerunner-out")
	if r == nil || w == nil {
		return nil, fmt.Errorf("protocol: invalid descriptors %q", fds)
	}
	return NewConn(r, w, Driver), nil
}
