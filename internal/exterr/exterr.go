// Package exterr classifies errors flowing through the queueing core into
// the categories used for retry and logging decisions: fatal, transient,
// permanent and policy-violation. It is adapted from the framework's
// exterrors package, keeping the "temporary unless proven otherwise"
// default and the field-propagation helper, and adding the SMTP-code
// mapping that a delivery result needs.
package exterr

import "errors"

// Category is the top-level bucket a delivery-affecting error falls into.
type Category int

const (
	// CategoryUnspecified means the error carries no explicit classification;
	// callers should treat it the same as Transient.
	CategoryUnspecified Category = iota
	CategoryFatal
	CategoryRecoverable
	CategoryTransient
	CategoryPermanent
	CategoryPolicyViolation
)

func (c Category) String() string {
	switch c {
	case CategoryFatal:
		return "fatal"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryPolicyViolation:
		return "policy-violation"
	default:
		return "unspecified"
	}
}

type temporaryErr interface {
	Temporary() bool
}

type categoryErr interface {
	Category() Category
}

type unwrapper interface {
	Unwrap() error
}

// IsTemporaryOrUnspec returns true if err has no Temporary() method, or if
// it does and it returns true. Errors are assumed temporary by default,
// matching exterrors.IsTemporaryOrUnspec.
func IsTemporaryOrUnspec(err error) bool {
	var t temporaryErr
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// IsTemporary returns true only if err declares itself temporary.
func IsTemporary(err error) bool {
	var t temporaryErr
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// ClassOf returns the explicit Category attached to err. If nothing in
// the error chain implements categoryErr, it returns CategoryTransient
// when IsTemporaryOrUnspec(err) holds and CategoryPermanent otherwise.
func ClassOf(err error) Category {
	var c categoryErr
	if errors.As(err, &c) {
		return c.Category()
	}
	if IsTemporaryOrUnspec(err) {
		return CategoryTransient
	}
	return CategoryPermanent
}

type classified struct {
	err error
	cat Category
	temp bool
}

func (c classified) Error() string { return c.err.Error() }
func (c classified) Unwrap() error { return c.err }
func (c classified) Temporary() bool {
	return c.temp
}
func (c classified) Category() Category { return c.cat }

// WithCategory wraps err so ClassOf(err) reports cat. The wrapper's
// Temporary() (and so IsTemporaryOrUnspec) reports true for
// CategoryTransient, CategoryRecoverable and CategoryUnspecified, and
// false otherwise.
func WithCategory(err error, cat Category) error {
	temp := cat == CategoryTransient || cat == CategoryRecoverable || cat == CategoryUnspecified
	return classified{err: err, cat: cat, temp: temp}
}

// Fatal wraps a startup-time misconfiguration or corruption error.
func Fatal(err error) error { return WithCategory(err, CategoryFatal) }

// Transient wraps an error that should result in a reschedule with backoff.
func Transient(err error) error { return WithCategory(err, CategoryTransient) }

// Permanent wraps an error that should result in a bounce and retirement.
func Permanent(err error) error { return WithCategory(err, CategoryPermanent) }

// PolicyViolation wraps an error that should be surfaced synchronously to
// the reception collaborator as a reject.
func PolicyViolation(err error) error { return WithCategory(err, CategoryPolicyViolation) }

type fieldsErr interface {
	Fields() map[string]interface{}
}

type fieldsWrap struct {
	err error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string { return fw.err.Error() }
func (fw fieldsWrap) Unwrap() error { return fw.err }
func (fw fieldsWrap) Fields() map[string]interface{} { return fw.fields }

// Fields walks the error chain (via Unwrap) and collects every Fields()
// map it finds, with outer errors taking precedence over inner ones -
// ported from exterrors.Fields.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)

	for err != nil {
		if fe, ok := err.(fieldsErr); ok {
			for k, v := range fe.Fields() {
				if fields[k] != nil {
					continue
				}
				fields[k] = v
			}
		}

		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}

	return fields
}

// WithFields attaches structured context to err for later retrieval
// by Fields.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsWrap{err: err, fields: fields}
}

// SMTPCode returns the SMTP reply code family appropriate for the
// category 4xx for transient, 5xx for permanent.
func (c Category) SMTPCode() int {
	switch c {
	case CategoryPermanent, CategoryPolicyViolation:
		return 554
	default:
		return 451
	}
}
