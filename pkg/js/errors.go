package js

import (
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"ratchet/pkg/taskerr"
)

// typedErrorKinds maps the error constructor names available to task
// code onto the stable error taxonomy.
var typedErrorKinds = map[string]taskerr.Kind{
	"AuthenticationError":     taskerr.KindJsAuthentication,
	"AuthorizationError":      taskerr.KindJsAuthorization,
	"RateLimitError":          taskerr.KindJsRateLimit,
	"ServiceUnavailableError": taskerr.KindJsServiceUnavailable,
	"HttpError":               taskerr.KindJsHTTP,
	"NetworkError":            taskerr.KindJsNetwork,
	"DataError":               taskerr.KindJsData,
}

// defaultStatus is the HTTP status implied by a typed error when the
// thrown object carries none.
var defaultStatus = map[taskerr.Kind]int{
	taskerr.KindJsAuthentication:     401,
	taskerr.KindJsAuthorization:      403,
	taskerr.KindJsRateLimit:          429,
	taskerr.KindJsServiceUnavailable: 503,
}

var typedMessageRe = regexp.MustCompile(`^(\w+Error):\s*(.*)$`)

// classifyThrown converts a goja evaluation error into the taxonomy.
// Interrupts are handled by the caller and must not reach here.
func classifyThrown(err error) *taskerr.Error {
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		if typed := classifyExceptionValue(exc.Value()); typed != nil {
			return typed
		}
		return taskerr.New(taskerr.KindJsRuntime, "%s", strings.TrimSpace(exc.Error()))
	}
	// Fall back to message parsing for errors stringified upstream.
	if m := typedMessageRe.FindStringSubmatch(err.Error()); m != nil {
		if kind, ok := typedErrorKinds[m[1]]; ok {
			return taskerr.New(kind, "%s", m[2]).WithStatus(defaultStatus[kind])
		}
	}
	return taskerr.New(taskerr.KindJsRuntime, "%s", err.Error())
}

func asException(err error, target **goja.Exception) bool {
	exc, ok := err.(*goja.Exception)
	if !ok {
		return false
	}
	*target = exc
	return true
}

// classifyExceptionValue inspects the thrown JS value for a typed error
// constructor's signature: own name/message/status properties.
func classifyExceptionValue(value goja.Value) *taskerr.Error {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	exported := value.Export()
	obj, ok := exported.(map[string]interface{})
	if !ok {
		return nil
	}
	name, _ := obj["name"].(string)
	kind, ok := typedErrorKinds[name]
	if !ok {
		return nil
	}
	message, _ := obj["message"].(string)

	status := defaultStatus[kind]
	switch s := obj["status"].(type) {
	case int64:
		if s > 0 {
			status = int(s)
		}
	case float64:
		if s > 0 {
			status = int(s)
		}
	}
	return taskerr.New(kind, "%s", message).WithStatus(status)
}
