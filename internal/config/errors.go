package config

import (
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidValue is the base of every configuration validation failure.
var ErrInvalidValue = errors.New("config: invalid value")

// ParseError reports a TOML syntax error with its position when the
// decoder provides one.
type ParseError struct {
	// Path is the file that failed to parse.
	Path string
	// Line and Column locate the error, zero when unknown.
	Line   int
	Column int
	// Err is the underlying decode error.
	Err error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %v", e.Path, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// parseError wraps a toml decode failure, extracting the position when
// the library reports one.
func parseError(path string, err error) error {
	pe := &ParseError{Path: path, Err: err}
	var de *toml.DecodeError
	if errors.As(err, &de) {
		row, col := de.Position()
		pe.Line, pe.Column = row, col
	}
	return pe
}
