// Package doctor checks an offload configuration against the tasks that can
// actually serve it.
package doctor

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mattjoyce/offload/internal/catalog"
	"github.com/mattjoyce/offload/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against builtin tasks and discovered workers.
type Doctor struct {
	cfg      *config.Config
	builtins mapset.Set[string]
	catalog  *catalog.Catalog
}

// New creates a Doctor. cat may be nil when no worker directory exists.
func New(cfg *config.Config, builtins []string, cat *catalog.Catalog) *Doctor {
	if cat == nil {
		cat = catalog.New()
	}
	return &Doctor{cfg: cfg, builtins: mapset.NewThreadUnsafeSet(builtins...), catalog: cat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateAPIConfig(r)
	d.validateTaskRefs(r)
	d.warnResources(r)
	d.warnShadowedTasks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) taskNames() []string {
	names := make([]string, 0, len(d.cfg.Tasks))
	for name := range d.cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Workers.TerminationGrace <= 0 {
		d.addWarning(r, "service", "workers.termination_grace", "termination_grace is not positive; the built-in default applies")
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled but no authentication configured")
	}
}

// validateTaskRefs checks that every configured task has something to run it.
func (d *Doctor) validateTaskRefs(r *Result) {
	for _, name := range d.taskNames() {
		tc := d.cfg.Tasks[name]
		field := fmt.Sprintf("tasks.%s", name)
		switch tc.Mode {
		case config.ModeInProcess:
			if !d.builtins.Contains(name) {
				d.addError(r, "task_refs", field, fmt.Sprintf("task %q is inprocess but not built in", name))
			}
		case config.ModeSubprocess:
			if _, ok := d.catalog.Lookup(name); !ok {
				d.addError(r, "task_refs", field, fmt.Sprintf("task %q is subprocess but no worker under %s serves it", name, d.cfg.Workers.Dir))
			}
		default:
			d.addError(r, "task_refs", field+".mode", fmt.Sprintf("unknown mode %q", tc.Mode))
		}
	}
}

// warnResources flags local files that are missing and remote files that
// are not pinned to a digest.
func (d *Doctor) warnResources(r *Result) {
	for _, name := range d.taskNames() {
		for i, locator := range d.cfg.Tasks[name].Resources {
			field := fmt.Sprintf("tasks.%s.resources[%d]", name, i)
			u, err := url.Parse(locator)
			if err != nil {
				d.addError(r, "resources", field, fmt.Sprintf("invalid locator %q: %v", locator, err))
				continue
			}
			switch u.Scheme {
			case "http", "https":
				if !strings.HasPrefix(u.Fragment, "blake3=") {
					d.addWarning(r, "resources", field, fmt.Sprintf("%s is not pinned with #blake3=<digest>", locator))
				}
			case "", "file":
				path := u.Path
				if u.Scheme == "" {
					path = strings.SplitN(locator, "#", 2)[0]
				}
				if _, err := os.Stat(path); err != nil {
					d.addWarning(r, "resources", field, fmt.Sprintf("%s is not readable: %v", path, err))
				}
			default:
				d.addError(r, "resources", field, fmt.Sprintf("unsupported scheme %q", u.Scheme))
			}
		}
	}
}

// warnShadowedTasks flags workers serving a task that is also built in.
func (d *Doctor) warnShadowedTasks(r *Result) {
	for _, name := range d.catalog.Tasks() {
		if !d.builtins.Contains(name) {
			continue
		}
		if tc, ok := d.cfg.Tasks[name]; ok && tc.Mode == config.ModeSubprocess {
			continue
		}
		w, _ := d.catalog.Lookup(name)
		d.addWarning(r, "task_refs", fmt.Sprintf("tasks.%s", name),
			fmt.Sprintf("worker %q serves %q but the builtin runs unless mode is subprocess", w.Name, name))
	}
}

// Format renders a result as human-readable text.
func Format(r *Result) string {
	var b strings.Builder
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "ERROR   [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "WARNING [%s] %s: %s\n", w.Category, w.Field, w.Message)
	}
	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid: %d error(s), %d warning(s)\n", len(r.Errors), len(r.Warnings))
	}
	return b.String()
}
