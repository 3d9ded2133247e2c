package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsContext(t *testing.T) {
	base := New("boom")
	err := Wrap(base, "Pipeline", "HandleSensorsData", "insert records")
	require.Error(t, err)
	assert.Equal(t, "Pipeline.HandleSensorsData: insert records failed: boom", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		invalid   bool
		transient bool
		fatal     bool
	}{
		{
			name:    "wrapped invalid",
			err:     WrapInvalid(New("bad payload"), "Pipeline", "validate", "schema check"),
			invalid: true,
		},
		{
			name:      "wrapped transient",
			err:       WrapTransient(New("timeout"), "Dispatcher", "Emit", "publish"),
			transient: true,
		},
		{
			name:  "wrapped fatal",
			err:   WrapFatal(New("no backend"), "Registry", "Open", "probe"),
			fatal: true,
		},
		{
			name:    "scheme sentinel is invalid",
			err:     fmt.Errorf("new dispatcher: %w", ErrSchemeUnknown),
			invalid: true,
		},
		{
			name:  "unreachable sentinel is fatal",
			err:   fmt.Errorf("cache registry: %w", ErrBackendUnreachable),
			fatal: true,
		},
		{
			name:      "unknown errors default to transient",
			err:       New("something odd"),
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.invalid, IsInvalid(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	err := WrapInvalid(ErrNotRegistered, "Events", "onSensorsData", "resolve session")
	assert.True(t, Is(err, ErrNotRegistered))

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ClassInvalid, ce.Class)
	assert.Equal(t, "Events", ce.Component)
}
