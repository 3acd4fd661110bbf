package purge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePurgeArgs(t *testing.T) {
	assert.NoError(t, validatePurgeArgs(&RunOptionsPurge{OlderThan: 24 * time.Hour}, nil))
	assert.EqualError(t, validatePurgeArgs(&RunOptionsPurge{}, nil), "the 'older-than' flag must be a positive duration")
	assert.Error(t, validatePurgeArgs(&RunOptionsPurge{OlderThan: time.Hour}, []string{"x"}))
}
