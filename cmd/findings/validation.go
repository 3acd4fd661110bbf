package findings

import (
	"fmt"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	model "github.com/tracesweep-io/tracesweep/internal/findings"
)

// validateFindingsArgs validates the arguments provided to the findings command and
// turns them into a store filter. Since is resolved against now.
func validateFindingsArgs(options *RunOptionsFindings, args []string, now time.Time) (evidence.FindingFilter, error) {
	var filter evidence.FindingFilter
	if len(args) > 0 {
		return filter, fmt.Errorf("the findings command takes no positional arguments")
	}
	if options.SessionID < 0 {
		return filter, fmt.Errorf("the 'session' flag must be a positive id")
	}
	filter.SessionID = options.SessionID

	if options.Layer != "" {
		l, err := model.ParseLayer(options.Layer)
		if err != nil {
			return filter, fmt.Errorf("the 'layer' flag is invalid: %w", err)
		}
		filter.Layer = l
	}
	if options.MinThreat != "" {
		lvl, err := model.ParseThreatLevel(options.MinThreat)
		if err != nil {
			return filter, fmt.Errorf("the 'min-threat' flag is invalid: %w", err)
		}
		filter.MinThreat = lvl
	}
	if options.Since < 0 {
		return filter, fmt.Errorf("the 'since' flag cannot be negative")
	}
	if options.Since > 0 {
		filter.Since = now.Add(-options.Since)
	}
	if options.Limit < 0 {
		return filter, fmt.Errorf("the 'limit' flag cannot be negative")
	}
	filter.Limit = options.Limit
	return filter, nil
}
