package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/monitor"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitOK, ExitCode(context.Canceled))
	assert.Equal(t, ExitFailure, ExitCode(monitor.ErrCooldownExhausted))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("discover: no ticket classes matched")))
	assert.Equal(t, ExitUnrecovered, ExitCode(fmt.Errorf("register: %w", checkout.ErrUnrecoverable)))
}

func TestLineReader(t *testing.T) {
	lr := newLineReader(strings.NewReader("\nsecond\n"))
	ctx := context.Background()
	assert.NoError(t, lr.Wait(ctx))
	assert.NoError(t, lr.Wait(ctx))
	assert.ErrorIs(t, lr.Wait(ctx), io.EOF)
}

func TestLineReaderCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	lr := newLineReader(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lr.Wait(ctx), context.DeadlineExceeded)
}

func TestSucceeded(t *testing.T) {
	assert.False(t, succeeded(nil))
	assert.False(t, succeeded([]checkout.Attempt{{Outcome: checkout.OutcomeFailed}}))
	assert.True(t, succeeded([]checkout.Attempt{{Outcome: checkout.OutcomeFailed}, {Outcome: checkout.OutcomeSucceeded}}))
}
