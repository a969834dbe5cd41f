package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration    = errors.New("invalid rate limit configuration")
	ErrUnknownStrategy  = errors.New("unknown rate limit strategy")
	ErrStoreUnavailable = errors.New("counter store unavailable")
)

// ConfigurationError carrega uma mensagem por invariante violada.
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return ErrConfiguration.Error() + ": " + strings.Join(e.Violations, "; ")
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// UnknownStrategyError indica uma config que aponta para estratégia sem engine.
// O gate trata como negação (fail closed).
type UnknownStrategyError struct {
	Strategy Strategy
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownStrategy, string(e.Strategy))
}

func (e *UnknownStrategyError) Is(target error) bool { return target == ErrUnknownStrategy }

// StoreUnavailableError embrulha falhas do CounterStore (timeout, conexão).
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return ErrStoreUnavailable.Error() + ": " + e.Op
	}
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Unavailable embrulha err como *StoreUnavailableError, sem embrulhar duas vezes.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var su *StoreUnavailableError
	if errors.As(err, &su) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfiguration) }

func IsUnknownStrategy(err error) bool { return errors.Is(err, ErrUnknownStrategy) }

func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
