package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFirstCancelWins(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.IsCancelled())

	require.True(t, tok.RequestCancel("user asked", false))
	assert.False(t, tok.RequestCancel("too late", true))
	assert.True(t, tok.IsCancelled())

	reason, timeout, ok := tok.Cause()
	require.True(t, ok)
	assert.Equal(t, "user asked", reason)
	assert.False(t, timeout)
}

func TestTokenDoneCloses(t *testing.T) {
	tok := NewToken()

	select {
	case <-tok.Done():
		t.Fatal("done channel closed before cancellation")
	default:
	}

	tok.RequestCancel("stop", false)

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after cancellation")
	}
}

func TestTokenErrMapping(t *testing.T) {
	tok := NewToken()
	assert.NoError(t, tok.Err())

	tok.RequestCancel("deadline", true)
	err := tok.Err()
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))

	tok2 := NewToken()
	tok2.RequestCancel("stop", false)
	assert.Equal(t, CodeCancelled, CodeOf(tok2.Err()))
}
