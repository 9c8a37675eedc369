package ports

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageError(t *testing.T) {
	tests := []struct {
		name    string
		err     *StorageError
		wantMsg string
		wantIs  error
	}{
		{
			name:    "missing path",
			err:     NewStorageError("memory", "load", "work/0_norm/a.tif", ErrNotFound),
			wantMsg: "storage error: backend=memory, operation=load, path=work/0_norm/a.tif, err=not found",
			wantIs:  ErrNotFound,
		},
		{
			name:    "closed backend",
			err:     NewStorageError("disk", "save", "out/a.tif", ErrBackendClosed),
			wantMsg: "storage error: backend=disk, operation=save, path=out/a.tif, err=storage backend closed",
			wantIs:  ErrBackendClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.wantIs)

			var se *StorageError
			assert.True(t, errors.As(fmt.Errorf("step 0: %w", tt.err), &se))
			assert.Equal(t, tt.err.Path, se.Path)
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(NewStorageError("memory", "load", "x", ErrNotFound)))
	assert.True(t, IsNotFound(fmt.Errorf("load special: %w", NewStorageError("disk", "load", "x", ErrNotFound))))
	assert.False(t, IsNotFound(ErrBackendClosed))
	assert.False(t, IsNotFound(nil))
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("storage.root", ErrConfigNotFound)

	assert.Equal(t, "config error: key=storage.root, err=configuration not found", err.Error())
	assert.Equal(t, "storage.root", err.ConfigKey)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	assert.NotErrorIs(t, err, ErrUnknownBackend)
}
