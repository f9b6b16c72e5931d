package js

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"ratchet/pkg/ipc"
	"ratchet/pkg/taskerr"
)

// maxFetchRounds bounds re-invocations of the entrypoint. Each round
// performs at most one HTTP call, so this caps requests per execution.
const maxFetchRounds = 8

// prelude installs the typed error constructors and the fetch bridge
// into a fresh context. fetch records its arguments in globals and
// returns a sentinel; once the host has performed the call and stored
// the response, the entrypoint is re-invoked and the same fetch call
// returns (or throws) the real result.
const preludeSource = `
function AuthenticationError(message) { this.name = "AuthenticationError"; this.message = message || ""; this.status = 401; }
AuthenticationError.prototype = Object.create(Error.prototype);
function AuthorizationError(message) { this.name = "AuthorizationError"; this.message = message || ""; this.status = 403; }
AuthorizationError.prototype = Object.create(Error.prototype);
function RateLimitError(message) { this.name = "RateLimitError"; this.message = message || ""; this.status = 429; }
RateLimitError.prototype = Object.create(Error.prototype);
function ServiceUnavailableError(message) { this.name = "ServiceUnavailableError"; this.message = message || ""; this.status = 503; }
ServiceUnavailableError.prototype = Object.create(Error.prototype);
function HttpError(status, message) { this.name = "HttpError"; this.message = message || ""; this.status = status || 0; }
HttpError.prototype = Object.create(Error.prototype);
function NetworkError(message) { this.name = "NetworkError"; this.message = message || ""; this.status = 0; }
NetworkError.prototype = Object.create(Error.prototype);
function DataError(message) { this.name = "DataError"; this.message = message || ""; this.status = 0; }
DataError.prototype = Object.create(Error.prototype);

var __fetch_url = null;
var __fetch_params = null;
var __fetch_body = null;
var __fetch_key_last = null;
var __http_results = {};

function __fetch_throw(response) {
	var status = response.status || 0;
	var statusText = response.statusText || "Unknown Status";
	if (status === 401) { throw new AuthenticationError("HTTP " + status + ": " + statusText); }
	if (status === 403) { throw new AuthorizationError("HTTP " + status + ": " + statusText); }
	if (status === 429) { throw new RateLimitError("HTTP " + status + ": " + statusText); }
	if (status >= 500 && status < 600) { throw new ServiceUnavailableError("HTTP " + status + ": " + statusText); }
	if (status >= 400 && status < 500) { throw new HttpError(status, "HTTP " + status + ": " + statusText); }
	throw new NetworkError("HTTP " + status + ": " + statusText);
}

function fetch(url, params, body) {
	var key = JSON.stringify([url, params === undefined ? null : params, body === undefined ? null : body]);
	if (Object.prototype.hasOwnProperty.call(__http_results, key)) {
		var response = __http_results[key];
		if (!response.ok) { __fetch_throw(response); }
		return response;
	}
	__fetch_url = url;
	__fetch_params = params === undefined || params === null ? null : JSON.stringify(params);
	__fetch_body = body === undefined || body === null ? null : (typeof body === "string" ? body : JSON.stringify(body));
	__fetch_key_last = key;
	return { ok: true, status: 0, statusText: "pending", headers: {}, body: null };
}
`

var preludeProgram = goja.MustCompile("prelude.js", preludeSource, false)

// Task is a unit of JavaScript ready for execution.
type Task struct {
	Name         string
	Version      string
	Source       string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// Runtime executes tasks in isolated contexts. A fresh goja VM is
// created per execution; only compiled programs are cached, keyed by
// source, which is what worker affinity trades on.
type Runtime struct {
	client   HTTPClient
	programs sync.Map // source -> *goja.Program
}

// NewRuntime creates a runtime with the given HTTP capability.
func NewRuntime(client HTTPClient) *Runtime {
	return &Runtime{client: client}
}

// HasCompiled reports whether the task's source is already in the
// program cache.
func (r *Runtime) HasCompiled(source string) bool {
	_, ok := r.programs.Load(source)
	return ok
}

// Execute runs one task invocation: validate input, run the script in a
// fresh context, bridge fetch calls, convert and validate the output.
// Cancellation and deadline both interrupt the interpreter.
func (r *Runtime) Execute(ctx context.Context, task *Task, input json.RawMessage, ec *ipc.ExecutionContext) (json.RawMessage, error) {
	if err := validateAgainstSchema(task.InputSchema, input, "input"); err != nil {
		return nil, err
	}

	program, err := r.compile(task)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to initialise context")
	}

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("interrupted")
		case <-watchdogDone:
		}
	}()

	scriptValue, err := vm.RunProgram(program)
	if err != nil {
		return nil, r.evalError(ctx, err)
	}

	entryValue, directValue, err := resolveEntrypoint(vm, scriptValue, task.Source)
	if err != nil {
		return nil, err
	}

	var result goja.Value
	if entryValue == nil {
		result = directValue
	} else {
		result, err = r.invokeWithFetchBridge(ctx, vm, entryValue, input, ec)
		if err != nil {
			return nil, err
		}
	}

	output, err := toJSON(vm, result)
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSchema(task.OutputSchema, output, "output"); err != nil {
		return nil, err
	}
	return output, nil
}

// invokeWithFetchBridge calls the entrypoint, satisfying at most one
// pending fetch per round and re-invoking until the function returns
// without requesting another HTTP call.
func (r *Runtime) invokeWithFetchBridge(ctx context.Context, vm *goja.Runtime, entryValue goja.Value, input json.RawMessage, ec *ipc.ExecutionContext) (goja.Value, error) {
	entry, ok := goja.AssertFunction(entryValue)
	if !ok {
		return nil, taskerr.New(taskerr.KindInternal, "entrypoint is not callable")
	}
	args, err := buildArgs(vm, entryValue, input, ec)
	if err != nil {
		return nil, err
	}

	result, err := entry(goja.Undefined(), args...)

	for round := 0; ; round++ {
		urlStr, pending := asString(vm.Get("__fetch_url"))
		if !pending {
			// No outstanding fetch; whatever happened is the outcome.
			if err != nil {
				return nil, r.evalError(ctx, err)
			}
			return result, nil
		}
		// A throw after recording fetch state is usually the task
		// tripping over the sentinel response; the re-invocation with
		// the real response decides. Interrupts are always terminal.
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return nil, r.evalError(ctx, err)
			}
		}
		if round >= maxFetchRounds {
			return nil, taskerr.New(taskerr.KindJsRuntime,
				"task issued more than %d fetch calls in one execution", maxFetchRounds)
		}

		params := rawStringGlobal(vm, "__fetch_params")
		body := rawStringGlobal(vm, "__fetch_body")

		response := r.performFetch(ctx, urlStr, params, body)
		if err := injectFetchResponse(vm, response); err != nil {
			return nil, err
		}

		result, err = entry(goja.Undefined(), args...)
	}
}

// performFetch executes the HTTP call for a pending fetch. Transport
// failures and policy rejections surface as a status-0 response so the
// bridge throws NetworkError where task code can catch it.
func (r *Runtime) performFetch(ctx context.Context, url string, params, body json.RawMessage) *FetchResponse {
	if r.client == nil {
		return &FetchResponse{OK: false, Status: 0, StatusText: "no http client configured", Headers: map[string]string{}}
	}
	response, err := r.client.Do(ctx, url, params, body)
	if err != nil {
		return &FetchResponse{OK: false, Status: 0, StatusText: err.Error(), Headers: map[string]string{}}
	}
	if response.Headers == nil {
		response.Headers = map[string]string{}
	}
	return response
}

func injectFetchResponse(vm *goja.Runtime, response *FetchResponse) error {
	encoded, err := json.Marshal(response)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to encode fetch response")
	}
	vm.Set("__http_result_json", string(encoded))
	_, err = vm.RunString(`
		__http_results[__fetch_key_last] = JSON.parse(__http_result_json);
		__http_result_json = null;
		__fetch_url = null;
		__fetch_params = null;
		__fetch_body = null;
	`)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to store fetch response")
	}
	return nil
}

func (r *Runtime) compile(task *Task) (*goja.Program, error) {
	if cached, ok := r.programs.Load(task.Source); ok {
		return cached.(*goja.Program), nil
	}
	program, err := goja.Compile(task.Name+".js", task.Source, false)
	if err != nil {
		// A bare function expression is not a valid program on its own;
		// wrapping it as an expression unwraps it into a callable value.
		wrapped, werr := goja.Compile(task.Name+".js", "("+strings.TrimSpace(task.Source)+")", false)
		if werr != nil {
			return nil, taskerr.Wrap(taskerr.KindJsCompile, err, "compilation failed: %v", err)
		}
		program = wrapped
	}
	r.programs.Store(task.Source, program)
	return program, nil
}

// resolveEntrypoint applies the discovery order: a global main function,
// the script's own value when callable, the value itself when the
// script evaluates to one, then a re-parse of the source wrapped as an
// expression to unwrap a bare function expression.
func resolveEntrypoint(vm *goja.Runtime, scriptValue goja.Value, source string) (goja.Value, goja.Value, error) {
	if mainValue := vm.Get("main"); mainValue != nil {
		if _, ok := goja.AssertFunction(mainValue); ok {
			return mainValue, nil, nil
		}
	}
	if _, ok := goja.AssertFunction(scriptValue); ok {
		return scriptValue, nil, nil
	}
	if scriptValue != nil && !goja.IsUndefined(scriptValue) && !goja.IsNull(scriptValue) {
		return nil, scriptValue, nil
	}

	wrapped := "(" + strings.TrimSpace(source) + ")"
	program, err := goja.Compile("wrapped.js", wrapped, false)
	if err != nil {
		return nil, nil, taskerr.New(taskerr.KindJsRuntime,
			"no main function found and script does not evaluate to a callable or value")
	}
	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, nil, taskerr.New(taskerr.KindJsRuntime,
			"no main function found and script does not evaluate to a callable or value")
	}
	if _, ok := goja.AssertFunction(value); ok {
		return value, nil, nil
	}
	return nil, nil, taskerr.New(taskerr.KindJsRuntime,
		"no main function found and script does not evaluate to a callable or value")
}

// buildArgs parses the input and execution context into VM values. A
// one-argument entrypoint is called with input only; any other declared
// arity receives input and context.
func buildArgs(vm *goja.Runtime, entryValue goja.Value, input json.RawMessage, ec *ipc.ExecutionContext) ([]goja.Value, error) {
	inputValue, err := jsonToValue(vm, input)
	if err != nil {
		return nil, err
	}

	arity := int64(2)
	if lengthValue := entryValue.ToObject(vm).Get("length"); lengthValue != nil {
		arity = lengthValue.ToInteger()
	}
	if arity == 1 {
		return []goja.Value{inputValue}, nil
	}

	ctxJSON := []byte("null")
	if ec != nil {
		encoded, err := json.Marshal(map[string]interface{}{
			"executionId": ec.ExecutionID,
			"taskId":      ec.TaskID,
			"taskVersion": ec.TaskVersion,
			"jobId":       ec.JobID,
		})
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to encode execution context")
		}
		ctxJSON = encoded
	}
	ctxValue, err := jsonToValue(vm, ctxJSON)
	if err != nil {
		return nil, err
	}
	return []goja.Value{inputValue, ctxValue}, nil
}

func jsonToValue(vm *goja.Runtime, raw json.RawMessage) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Null(), nil
	}
	vm.Set("__arg_json", string(raw))
	value, err := vm.RunString("JSON.parse(__arg_json)")
	vm.Set("__arg_json", goja.Undefined())
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSchemaValidation, err, "input is not valid json")
	}
	return value, nil
}

// toJSON serialises the entrypoint's return value with the context's own
// JSON.stringify. undefined becomes null.
func toJSON(vm *goja.Runtime, value goja.Value) (json.RawMessage, error) {
	if value == nil || goja.IsUndefined(value) {
		return json.RawMessage("null"), nil
	}
	vm.Set("__result_value", value)
	out, err := vm.RunString("JSON.stringify(__result_value)")
	vm.Set("__result_value", goja.Undefined())
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindJsRuntime, err, "task result is not serialisable")
	}
	if goja.IsUndefined(out) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out.String()), nil
}

// evalError maps an evaluation failure: interrupts become Timeout or
// Cancelled depending on why the context ended, everything else is
// classified by thrown value.
func (r *Runtime) evalError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return taskerr.New(taskerr.KindTimeout, "task execution exceeded its timeout")
		}
		return taskerr.New(taskerr.KindCancelled, "task execution cancelled")
	}
	return classifyThrown(err)
}

func validateAgainstSchema(schema, document json.RawMessage, what string) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return taskerr.Wrap(taskerr.KindSchemaValidation, err, "invalid %s schema", what)
	}
	var decoded interface{}
	if len(document) == 0 {
		document = json.RawMessage("null")
	}
	if err := json.Unmarshal(document, &decoded); err != nil {
		return taskerr.Wrap(taskerr.KindSchemaValidation, err, "%s is not valid json", what)
	}
	if err := compiled.Validate(decoded); err != nil {
		return taskerr.Wrap(taskerr.KindSchemaValidation, err, "%s failed schema validation: %v", what, err)
	}
	return nil
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("schema.json", strings.NewReader(string(schema))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func asString(value goja.Value) (string, bool) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "", false
	}
	exported := value.Export()
	s, ok := exported.(string)
	return s, ok
}

func rawStringGlobal(vm *goja.Runtime, name string) json.RawMessage {
	s, ok := asString(vm.Get(name))
	if !ok {
		return nil
	}
	return json.RawMessage(s)
}

// DescribeTask renders a short identity string for logging.
func DescribeTask(task *Task) string {
	return fmt.Sprintf("%s@%s", task.Name, task.Version)
}
