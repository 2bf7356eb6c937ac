package oidc

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultToServerError(t *testing.T) {
	type args struct {
		err         error
		description string
	}
	tests := []struct {
		name string
		args args
		want *Error
	}{
		{
			name: "default",
			args: args{
				err:         io.ErrClosedPipe,
				description: "oops",
			},
			want: &Error{
				ErrorType:   ServerError,
				Description: "oops",
				Parent:      io.ErrClosedPipe,
			},
		},
		{
			name: "our Error",
			args: args{
				err:         ErrAccessDenied(),
				description: "oops",
			},
			want: &Error{
				ErrorType:   AccessDenied,
				Description: "The authorization request was denied.",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultToServerError(tt.args.err, tt.args.description)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestError_LogLevel(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want slog.Level
	}{
		{
			name: "server error",
			err:  ErrServerError(),
			want: slog.LevelError,
		},
		{
			name: "authorization pending",
			err:  ErrAuthorizationPending(),
			want: slog.LevelInfo,
		},
		{
			name: "slow down",
			err:  ErrSlowDown(),
			want: slog.LevelInfo,
		},
		{
			name: "some other error",
			err:  ErrAccessDenied(),
			want: slog.LevelWarn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.LogLevel()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestError_LogValue(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want slog.Value
	}{
		{
			name: "parent",
			err:  ErrServerError().WithParent(io.EOF),
			want: slog.GroupValue(
				slog.Any("parent", io.EOF),
				slog.String("type", string(ServerError)),
			),
		},
		{
			name: "description",
			err:  ErrInvalidRequest().WithDescription("oops"),
			want: slog.GroupValue(
				slog.String("description", "oops"),
				slog.String("type", string(InvalidRequest)),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.LogValue())
		})
	}
}

func TestError_StatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{name: "invalid client", err: ErrInvalidClient(), want: 401},
		{name: "server error", err: ErrServerError(), want: 500},
		{name: "validation", err: ErrInvalidRequest(), want: 400},
		{name: "pending", err: ErrAuthorizationPending(), want: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}
