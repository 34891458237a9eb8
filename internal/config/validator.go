package config

import (
	"fmt"
	"sort"
)

// ValidateTasks checks every configured task against what can actually serve
// it: builtins for inprocess mode, discovered workers for subprocess mode.
func ValidateTasks(cfg *Config, builtins, workers []string) error {
	inProcess := toSet(builtins)
	subprocess := toSet(workers)

	names := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch mode := cfg.Tasks[name].Mode; mode {
		case ModeInProcess:
			if !inProcess[name] {
				return fmt.Errorf("task %q: no builtin task with that name", name)
			}
		case ModeSubprocess:
			if !subprocess[name] {
				return fmt.Errorf("task %q: no worker under %s serves it", name, cfg.Workers.Dir)
			}
		default:
			return fmt.Errorf("task %q: unknown mode %q", name, mode)
		}
	}
	return nil
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
