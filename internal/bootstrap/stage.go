package bootstrap

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"d7bot/internal/logging"
)

// Stage is one step of Assemble. A failing required stage aborts startup; a
// failing optional one leaves the bot running without it.
type Stage struct {
	Name     string
	Required bool
	Init     func() error
}

// DegradedComponents records optional stages that failed.
type DegradedComponents struct {
	mu      sync.Mutex
	reasons map[string]string
}

func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{reasons: make(map[string]string)}
}

func (d *DegradedComponents) Record(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons[name] = err.Error()
}

// Reason returns why name is degraded.
func (d *DegradedComponents) Reason(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.reasons[name]
	return reason, ok
}

func (d *DegradedComponents) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons) == 0
}

// String lists degraded components as "name: reason" sorted by name.
func (d *DegradedComponents) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	parts := make([]string, 0, len(d.reasons))
	for name, reason := range d.reasons {
		parts = append(parts, name+": "+reason)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// RunStages executes stages in order.
func RunStages(stages []Stage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		err := stage.Init()
		switch {
		case err == nil:
			logger.Debug("Stage %s ready", stage.Name)
		case stage.Required:
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		default:
			logger.Warn("Stage %s failed, continuing without it: %v", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err)
			}
		}
	}
	return nil
}
