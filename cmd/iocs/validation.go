package iocs

import (
	"fmt"
	"strings"

	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// validateIOCsArgs validates the arguments provided to the iocs command.
func validateIOCsArgs(options *RunOptionsIOCs, args []string) (evidence.IOCFilter, error) {
	var filter evidence.IOCFilter
	if len(args) > 0 {
		return filter, fmt.Errorf("the iocs command takes no positional arguments")
	}
	if options.Type != "" {
		t := findings.IOCType(strings.ToLower(strings.TrimSpace(options.Type)))
		if !t.Valid() {
			return filter, fmt.Errorf("the 'type' flag is invalid: unknown ioc type %q", options.Type)
		}
		filter.Type = t
	}
	if options.SessionID < 0 {
		return filter, fmt.Errorf("the 'session' flag must be a positive id")
	}
	if options.MinConfidence < 0 || options.MinConfidence > 1 {
		return filter, fmt.Errorf("the 'min-confidence' flag must be between 0 and 1")
	}
	if options.Limit < 0 {
		return filter, fmt.Errorf("the 'limit' flag cannot be negative")
	}
	filter.SessionID = options.SessionID
	filter.MinConfidence = options.MinConfidence
	filter.Limit = options.Limit
	return filter, nil
}
