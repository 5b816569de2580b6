package carrier

import "errors"

// FailKind is the failure class of one provider query. Retry policy is the
// same for every class: the order stays eligible and is picked up again on a
// later cycle.
type FailKind string

const (
	FailNone          FailKind = ""
	FailConfigMissing FailKind = "config_missing"
	FailTransient     FailKind = "transient"
	FailProtocol      FailKind = "protocol_error"
	FailStorage       FailKind = "storage_error"
)

// QueryError attaches a FailKind to a provider error.
type QueryError struct {
	Kind FailKind
	Err  error
}

func (e *QueryError) Error() string { return e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

func NewQueryError(kind FailKind, err error) *QueryError {
	return &QueryError{Kind: kind, Err: err}
}

// KindOf classifies an error returned by a Client call. Unclassified errors
// count as transient.
func KindOf(err error) FailKind {
	if err == nil {
		return FailNone
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return FailTransient
}


