// Package validate implements the Input Validator (C1): pure predicates
// guarding every value that will ever reach a command line against
// injection, path traversal, and malformed Kubernetes naming.
package validate

import (
	"path"
	"regexp"
	"strings"

	"github.com/hedgehog/gitops-sync/internal/errs"
)

// Kind names one of the validated value classes.
type Kind string

const (
	KindK8sName  Kind = "k8sName"
	KindBranch   Kind = "branch"
	KindRelPath  Kind = "relPath"
	KindDuration Kind = "duration"
)

var (
	k8sNameRe  = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	branchRe   = regexp.MustCompile(`^[A-Za-z0-9/_.\-]+$`)
	durationRe = regexp.MustCompile(`^[0-9]+[smh]$`)
)

// Value validates a single value against the rule for kind, returning a
// *errs.ValidationError naming field on failure. Every Application Spec and
// Sync Config field that will ever appear on a command line must pass this
// at config-load time; the Release Driver and Health Prober assume it has.
func Value(value string, kind Kind, field string) error {
	switch kind {
	case KindK8sName:
		if len(value) == 0 || len(value) > 253 || !k8sNameRe.MatchString(value) {
			return &errs.ValidationError{Field: field, Value: value, Rule: string(KindK8sName)}
		}
	case KindBranch:
		if len(value) == 0 || len(value) > 255 || !branchRe.MatchString(value) || strings.Contains(value, "..") {
			return &errs.ValidationError{Field: field, Value: value, Rule: string(KindBranch)}
		}
	case KindRelPath:
		if !isSafeRelPath(value) {
			return &errs.ValidationError{Field: field, Value: value, Rule: string(KindRelPath)}
		}
	case KindDuration:
		if !durationRe.MatchString(value) {
			return &errs.ValidationError{Field: field, Value: value, Rule: string(KindDuration)}
		}
	default:
		return &errs.ValidationError{Field: field, Value: value, Rule: "unknown-kind"}
	}
	return nil
}

// isSafeRelPath reports whether value, once normalized, is a relative path
// with no ".." segment and no leading path separator.
func isSafeRelPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "\\") {
		return false
	}
	cleaned := path.Clean(filepathToSlash(value))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return false
		}
	}
	if path.IsAbs(cleaned) {
		return false
	}
	return true
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// K8sName reports whether value satisfies the k8sName rule, without
// constructing an error. Used by callers that only need a bool, e.g. the
// Config Store's per-field application checks.
func K8sName(value string) bool {
	return Value(value, KindK8sName, "") == nil
}

// Branch reports whether value satisfies the branch rule.
func Branch(value string) bool {
	return Value(value, KindBranch, "") == nil
}

// RelPath reports whether value satisfies the relPath rule.
func RelPath(value string) bool {
	return Value(value, KindRelPath, "") == nil
}

// Duration reports whether value satisfies the duration rule.
func Duration(value string) bool {
	return Value(value, KindDuration, "") == nil
}
