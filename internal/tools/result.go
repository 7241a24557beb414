package tools

import "encoding/json"

// Result is the outcome of a tool call: either Output or Error is set.
// Handlers report expected failures (not found, downstream outage) as an
// Error result rather than a Go error so the model can react to them.
type Result struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK wraps a successful output.
func OK(output any) Result { return Result{Output: output} }

// Fail wraps an error message meant for the model.
func Fail(msg string) Result { return Result{Error: msg} }

// Failed reports whether the call failed.
func (r Result) Failed() bool { return r.Error != "" }

// String renders the result as the JSON the model sees.
func (r Result) String() string {
	var v any = r.Output
	if r.Failed() {
		v = map[string]string{"error": r.Error}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"tool output could not be encoded"}`
	}
	return string(b)
}
