package artifact

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/moneybench/arena/internal/domain"
)

// Descriptor is the build descriptor every submission must carry.
const Descriptor = "Dockerfile"

// Validation failure reasons.
const (
	ReasonMissingDescriptor        = "missing_descriptor"
	ReasonDanglingReference        = "dangling_reference"
	ReasonUnboundSecretPlaceholder = "unbound_secret_placeholder"
)

// Report is the outcome of static validation.
type Report struct {
	OK     bool
	Reason string
	Detail string
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Z][A-Z0-9_]*)\s*\}\}`)

// Validator statically checks a submission before any build is attempted.
// Submissions are untrusted input; nothing here executes artifact content.
type Validator struct {
	requiredSecrets map[string]struct{}
}

// NewValidator constructs a validator. requiredSecrets names template
// placeholders that must have been expanded before submission.
func NewValidator(requiredSecrets []string) *Validator {
	set := make(map[string]struct{}, len(requiredSecrets))
	for _, name := range requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return &Validator{requiredSecrets: set}
}

// Validate runs all checks and returns the first failure, if any.
func (v *Validator) Validate(set domain.ArtifactSet) Report {
	descriptor, ok := set.File(Descriptor)
	if !ok {
		return Report{Reason: ReasonMissingDescriptor, Detail: fmt.Sprintf("%s not present in submission", Descriptor)}
	}

	paths := make(map[string]struct{}, len(set.Files))
	for _, f := range set.Files {
		paths[path.Clean(f.Path)] = struct{}{}
	}

	for _, ref := range descriptorReferences(string(descriptor.Content)) {
		if !resolves(ref, paths) {
			return Report{Reason: ReasonDanglingReference, Detail: fmt.Sprintf("descriptor references %q which is not in the submission", ref)}
		}
	}

	for _, f := range set.Files {
		for _, match := range placeholderPattern.FindAllStringSubmatch(string(f.Content), -1) {
			if _, required := v.requiredSecrets[match[1]]; required {
				return Report{
					Reason: ReasonUnboundSecretPlaceholder,
					Detail: fmt.Sprintf("%s contains unexpanded placeholder %s", f.Path, match[0]),
				}
			}
		}
	}

	return Report{OK: true}
}

// descriptorReferences extracts local COPY/ADD sources from the descriptor.
// Stage copies (--from=), URLs, and wildcard patterns are skipped; those are
// resolved by the build itself.
func descriptorReferences(descriptor string) []string {
	var refs []string
	for _, rawLine := range strings.Split(descriptor, "\n") {
		line := strings.TrimSpace(rawLine)
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		instruction := strings.ToUpper(fields[0])
		if instruction != "COPY" && instruction != "ADD" {
			continue
		}
		args := fields[1:]
		fromStage := false
		for len(args) > 0 && strings.HasPrefix(args[0], "--") {
			if strings.HasPrefix(args[0], "--from=") {
				fromStage = true
			}
			args = args[1:]
		}
		if fromStage || len(args) < 2 {
			continue
		}
		for _, src := range args[:len(args)-1] {
			if strings.Contains(src, "://") || strings.ContainsAny(src, "*?[") {
				continue
			}
			refs = append(refs, src)
		}
	}
	return refs
}

func resolves(ref string, paths map[string]struct{}) bool {
	cleaned := path.Clean(strings.TrimPrefix(ref, "./"))
	if cleaned == "." {
		return true
	}
	if _, ok := paths[cleaned]; ok {
		return true
	}
	// Directory reference: satisfied by any file underneath it.
	prefix := cleaned + "/"
	for p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
