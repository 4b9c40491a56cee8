package main

import (
	"strings"

	"github.com/chromedp/chromedp"
)

// parseBrowserArgs turns the page supplied browser arguments into Chrome
// flags. "--name" enables a flag, "--name=value" sets it and "--no-name"
// disables it.
func parseBrowserArgs(args []string) map[string]interface{} {
	flags := make(map[string]interface{}, len(args))
	for _, arg := range args {
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch {
		case hasValue:
			flags[name] = value
		case strings.HasPrefix(name, "no-") && name != "no-sandbox" && name != "no-first-run" && name != "no-default-browser-check":
			flags[strings.TrimPrefix(name, "no-")] = false
		default:
			flags[name] = true
		}
	}
	return flags
}

// allocatorOptions returns the exec allocator options for args, on top of
// the chromedp defaults (headless included).
func allocatorOptions(args []string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range parseBrowserArgs(args) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}
