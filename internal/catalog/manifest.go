package catalog

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/offload/internal/worker"
)

// TaskDecl declares one task served by a worker executable.
type TaskDecl struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Tasks is the list of tasks a manifest declares.
//
// Accepted formats:
//   - string array: tasks: [multiply, sum]
//   - object array: tasks: [{name: grep, description: "search resources"}]
type Tasks []TaskDecl

func (t *Tasks) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*t = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("tasks must be a sequence")
	}

	out := make([]TaskDecl, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, TaskDecl{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp TaskDecl
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid task object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid task entry (must be string or object)")
		}
	}

	*t = out
	return nil
}

// Manifest is the manifest.yaml of a worker directory.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Args        []string `yaml:"args,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tasks       Tasks    `yaml:"tasks"`
}

// Worker is a discovered and validated worker executable.
type Worker struct {
	Name        string
	Path        string // Absolute path to the worker directory
	Entrypoint  string // Absolute path to the executable
	Args        []string
	Protocol    int
	Version     string
	Description string
	Tasks       Tasks
}

// Serves reports whether the worker declares task.
func (w *Worker) Serves(task string) bool {
	for _, t := range w.Tasks {
		if t.Name == task {
			return true
		}
	}
	return false
}

// Spawner returns a subprocess spawner running task on this worker.
// The entrypoint is invoked as: <entrypoint> <args...> --task <task>.
func (w *Worker) Spawner(task string, grace time.Duration) worker.Subprocess {
	args := append(append([]string(nil), w.Args...), "--task", task)
	return worker.Subprocess{
		Path:  w.Entrypoint,
		Args:  args,
		Dir:   w.Path,
		Grace: grace,
	}
}
