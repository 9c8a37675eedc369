package ports

import (
	"errors"
	"fmt"
)

// Common infrastructure errors.
var (
	// ErrNotFound indicates a load of a path that was never written.
	ErrNotFound = errors.New("not found")

	// ErrUnknownBackend indicates a backend name with no registered factory.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrBackendClosed indicates use of a backend instance after Close.
	ErrBackendClosed = errors.New("storage backend closed")

	// ErrUnsupported indicates a value or operation a backend cannot handle.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrConfigNotFound indicates that required configuration is missing.
	ErrConfigNotFound = errors.New("configuration not found")
)

// StorageError represents an error from a storage backend operation.
// It includes the backend, path and operation that failed.
type StorageError struct {
	// Backend is the name of the backend that failed.
	Backend string

	// Path is the logical path involved in the failed operation.
	Path string

	// Operation is the name of the storage operation that failed.
	Operation string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: backend=%s, operation=%s, path=%s, err=%v",
		e.Backend, e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a new StorageError with the given details.
func NewStorageError(backend, operation, path string, err error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Path:      path,
		Operation: operation,
		Err:       err,
	}
}

// IsNotFound reports whether err means a path was never written.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error that caused the configuration operation
	// to fail.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		ConfigKey: key,
		Err:       err,
	}
}
