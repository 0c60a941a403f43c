package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	m := NewManager()
	var order []string
	for _, name := range []string{"store", "session", "ops"} {
		name := name
		m.OnShutdown(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	assert.Equal(t, []string{"ops", "session", "store"}, order)
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	m := NewManager()
	called := false
	m.OnShutdown("first", func(ctx context.Context) error {
		called = true
		return nil
	})
	m.OnShutdown("broken", func(ctx context.Context) error { return errors.New("boom") })
	m.OnShutdown("nil", nil)

	m.Shutdown(context.Background())
	assert.True(t, called)
}
