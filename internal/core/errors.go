package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrNoResults        = errors.New("no unit produced results")
	ErrUnsupportedURL   = errors.New("unsupported url scheme")
	ErrInvalidLabelType = errors.New("invalid label type")
)

var ValidLabelTypes = []string{"dropout", "dropout_current_week"}

func CheckLabelType(labelType string) error {
	for _, valid := range ValidLabelTypes {
		if labelType == valid {
			return nil
		}
	}
	return fmt.Errorf("%w %q; valid label types are: %s", ErrInvalidLabelType, labelType, strings.Join(ValidLabelTypes, ", "))
}

type AmbiguousSessionOrderError struct {
	Bucket string
	Course string
}

func (e *AmbiguousSessionOrderError) Error() string {
	return fmt.Sprintf("cannot identify holdout session for course %s in bucket %s", e.Course, e.Bucket)
}

type RemoteObjectMissingError struct {
	Bucket string
	Key    string
}

func (e *RemoteObjectMissingError) Error() string {
	return fmt.Sprintf("s3://%s/%s does not exist", e.Bucket, e.Key)
}

func (e *RemoteObjectMissingError) Unwrap() error {
	return ErrObjectNotFound
}

type UnsupportedArchiveFormatError struct {
	Path string
}

func (e *UnsupportedArchiveFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format: %s", e.Path)
}

// ConfigError lists every problem found while validating a job configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

type IncompletePredictionsError struct {
	Columns []string
	Courses []string
}

func (e *IncompletePredictionsError) Error() string {
	return fmt.Sprintf("missing values in columns [%s] for courses [%s]; include predictions for every user",
		strings.Join(e.Columns, ", "), strings.Join(e.Courses, ", "))
}
