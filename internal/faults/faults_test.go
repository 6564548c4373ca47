package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesSentinelOfSameKind(t *testing.T) {
	err := New(SourceUnavailable, "fetch", errors.New("connection refused"))
	wrapped := fmt.Errorf("cycle 12: %w", err)

	assert.ErrorIs(t, wrapped, ErrSourceUnavailable)
	assert.NotErrorIs(t, wrapped, ErrPublishFailed)
	assert.Equal(t, SourceUnavailable, KindOf(wrapped))
}

func TestErrorsIsReachesCause(t *testing.T) {
	cause := errors.New("disk gone")
	err := New(PersistenceUnavailable, "commit", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{New(PublishFailed, "reload", errors.New("exit 1")), "publish_failed: reload: exit 1"},
		{New(ThrashingDetected, "", errors.New("3 transitions")), "thrashing_detected: 3 transitions"},
		{ErrPersistenceCorrupt, "persistence_corrupt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
