package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient lookup", fmt.Errorf("status: %w", ErrTransientLookup), true},
		{"persistence", NewOpError("schedule", "t1", ErrPersistence), true},
		{"unclassified", errors.New("boom"), true},
		{"configuration", fmt.Errorf("%w: resolve_sla_minutes missing", ErrConfiguration), false},
		{"wrapped configuration", NewOpError("schedule", "t1", ErrConfiguration), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
