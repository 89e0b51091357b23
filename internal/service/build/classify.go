package build

import (
	"context"
	"errors"
	"strings"

	"github.com/moneybench/arena/internal/domain"
)

var dependencyMarkers = []string{
	"could not resolve",
	"unable to resolve",
	"no matching version",
	"not found in registry",
	"npm err! 404",
	"npm err! code e404",
	"pull access denied",
	"manifest unknown",
	"failed to fetch",
	"could not find a version",
	"no matching distribution",
	"module not found",
	"cannot find module",
	"package not found",
	"unknown revision",
	"temporary failure in name resolution",
}

var resourceMarkers = []string{
	"exit code: 137",
	"code 137",
	"killed",
	"out of memory",
	"oom",
	"cannot allocate memory",
	"no space left on device",
}

var syntaxMarkers = []string{
	"syntax error",
	"syntaxerror",
	"parse error",
	"unexpected token",
	"compilation failed",
	"compile error",
	"invalid syntax",
	"dockerfile parse error",
	"unknown instruction",
}

// Classify maps a build failure onto the failure taxonomy. Timeout and
// resource kills take precedence: a process killed by the ceiling often
// also prints dependency noise on the way down.
func Classify(err error, output string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.BuildErrTimeout
	}
	haystack := strings.ToLower(output)
	if err != nil {
		haystack += "\n" + strings.ToLower(err.Error())
	}
	for _, marker := range resourceMarkers {
		if strings.Contains(haystack, marker) {
			return domain.BuildErrResourceExceeded
		}
	}
	for _, marker := range dependencyMarkers {
		if strings.Contains(haystack, marker) {
			return domain.BuildErrDependencyResolution
		}
	}
	for _, marker := range syntaxMarkers {
		if strings.Contains(haystack, marker) {
			return domain.BuildErrSyntax
		}
	}
	// The build terminated on its own output with no recognizable cause;
	// treat it as broken source rather than environment.
	return domain.BuildErrSyntax
}
