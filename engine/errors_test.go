package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keeptime/reward-engine/engine"
)

func TestErrorClassification(t *testing.T) {
	// Recovered rejections need no caller action; retryable failures may
	// succeed on redelivery. The two sets never overlap.

	recoverable := []error{
		fmt.Errorf("%w: envelope generation 4, armed 5", engine.ErrStaleGeneration),
		fmt.Errorf("%w: sequence 3", engine.ErrDuplicateDelivery),
		fmt.Errorf("%w: ghost", engine.ErrInvalidTarget),
	}
	for _, err := range recoverable {
		assert.True(t, engine.IsRecoverable(err), err.Error())
		assert.False(t, engine.IsRetryable(err), err.Error())
	}

	retryable := []error{
		fmt.Errorf("%w: persisting ledger", engine.ErrStoreUnavailable),
		&engine.SchedulingError{TargetID: "app", Generation: 2, Threshold: 120, Err: errors.New("bridge down")},
	}
	for _, err := range retryable {
		assert.True(t, engine.IsRetryable(err), err.Error())
		assert.False(t, engine.IsRecoverable(err), err.Error())
	}

	assert.False(t, engine.IsRecoverable(errors.New("unrelated")))
	assert.False(t, engine.IsRetryable(errors.New("unrelated")))
}

func TestSchedulingErrorUnwrapsToSentinel(t *testing.T) {
	err := &engine.SchedulingError{TargetID: "app", Generation: 2, Threshold: 120, Err: errors.New("bridge down")}

	assert.ErrorIs(t, err, engine.ErrSchedulingFailure)
	assert.Contains(t, err.Error(), "app")
	assert.Contains(t, err.Error(), "generation 2")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, engine.IsNotFound(fmt.Errorf("ledger: %w", engine.ErrNotFound)))
	assert.False(t, engine.IsNotFound(engine.ErrStoreUnavailable))
}
