package flow

// Result is the outcome of a Start or OnInput call.
//
// End is terminal regardless of NextStep. Success=false is an unrecoverable
// step failure; flows send any user-facing text themselves before returning
// it.
type Result struct {
	Success   bool   `json:"success"`
	NextStep  Step   `json:"next_step,omitempty"`
	DataPatch Data   `json:"data_patch,omitempty"`
	End       bool   `json:"end,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Next continues the flow at step, merging patch into its data.
func Next(step Step, patch Data) Result {
	return Result{Success: true, NextStep: step, DataPatch: patch}
}

// Stay keeps the current step, merging patch into the flow's data.
func Stay(patch Data) Result {
	return Result{Success: true, DataPatch: patch}
}

// Done ends the flow successfully.
func Done() Result {
	return Result{Success: true, End: true}
}

// Fail aborts the flow.
func Fail(err error) Result {
	msg := "flow failed"
	if err != nil {
		msg = err.Error()
	}
	return Result{Success: false, Error: msg}
}

// Merge overlays patch onto base and returns the result. Keys in base that
// are absent from patch survive. base is not modified.
func Merge(base, patch Data) Data {
	out := make(Data, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
