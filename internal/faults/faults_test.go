package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, ""},
		{"classified", New(types.ErrAuth, "request", nil), types.ErrAuth},
		{"wrapped classified", fmt.Errorf("outer: %w", New(types.ErrProtocol, "stream", nil)), types.ErrProtocol},
		{"canceled", context.Canceled, types.ErrCancelled},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), types.ErrTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, types.ErrTimeout},
		{"net refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, types.ErrNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, types.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, types.ErrorKind(""), FromStatus(200))
	assert.Equal(t, types.ErrorKind(""), FromStatus(204))
	assert.Equal(t, types.ErrAuth, FromStatus(401))
	assert.Equal(t, types.ErrAuth, FromStatus(403))
	assert.Equal(t, types.ErrTimeout, FromStatus(504))
	assert.Equal(t, types.ErrServer, FromStatus(500))
	assert.Equal(t, types.ErrServer, FromStatus(503))
	assert.Equal(t, types.ErrProtocol, FromStatus(404))
}

func TestErrorIsByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(types.ErrNetwork, "request", io.EOF).WithTicker("AAPL"))

	assert.ErrorIs(t, err, &Error{Kind: types.ErrNetwork})
	assert.NotErrorIs(t, err, &Error{Kind: types.ErrAuth})
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "[AAPL]")
}

func TestWrapKeepsClassification(t *testing.T) {
	orig := New(types.ErrServer, "request", nil)
	assert.Same(t, orig, Wrap("outer", orig))
	assert.Nil(t, Wrap("op", nil))
	assert.Equal(t, types.ErrCancelled, KindOf(Wrap("op", context.Canceled)))
}
