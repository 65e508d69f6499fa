// Package classifier decides whether a solved step produced a physically
// admissible result.
//
// The same rule is used live by the worker loop (Classify) and
// retrospectively over a saved archive (Scan), so a failure observed during a
// run and one detected later from a file agree.
package classifier

import "math"

// Reason names why a step was marked failed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonSentinel  Reason = "sentinel"  // primary channel equals the reserved value
	ReasonNaN       Reason = "nan"       // primary channel is NaN or infinite
	ReasonBlowUp    Reason = "blow_up"   // change vs previous step above threshold
	ReasonException Reason = "exception" // solver returned an error or panicked
	ReasonPrepare   Reason = "prepare"   // solver could not be prepared for the partition
)

// Policy holds the classification constants. It is persisted alongside an
// archive so that retrospective scans reproduce the live decision.
type Policy struct {
	Sentinel        float64 `json:"sentinel" yaml:"sentinel"`
	BlowUpThreshold float64 `json:"blow_up_threshold" yaml:"blow_up_threshold"`
	CheckBlowUp     bool    `json:"check_blow_up" yaml:"check_blow_up"`
}

// DefaultPolicy returns sentinel 1e10, blow-up threshold 1e-3 and the
// blow-up rule disabled.
func DefaultPolicy() Policy {
	return Policy{
		Sentinel:        1e10,
		BlowUpThreshold: 1e-3,
		CheckBlowUp:     false,
	}
}

// Verdict is the result of classifying one step.
type Verdict struct {
	Failed      bool
	ResetSolver bool // solver state may be corrupted: Reset+Prepare before the next step
	Reason      Reason
}

// Failure builds the verdict for a step that failed for a reason detected
// outside the value check (exception, prepare).
func Failure(r Reason) Verdict {
	return Verdict{Failed: true, ResetSolver: true, Reason: r}
}

// Classify checks the primary channel (index 0) of values. previous is the
// output of the prior admissible step in the same series, or nil.
func (p Policy) Classify(values, previous []float64) Verdict {
	if len(values) == 0 {
		return Verdict{}
	}
	if r := p.primary(values[0]); r != ReasonNone {
		return Failure(r)
	}
	if p.CheckBlowUp && len(previous) > 0 && p.blownUp(values[0], previous[0]) {
		return Failure(ReasonBlowUp)
	}
	return Verdict{}
}

// Scan applies the rule retrospectively to a series of primary-channel
// samples ordered by time and returns the indices that fail. Blow-up is
// measured against the last sample that did not fail.
func (p Policy) Scan(series []float64) []int {
	var failed []int
	last, haveLast := 0.0, false
	for i, v := range series {
		if p.primary(v) != ReasonNone {
			failed = append(failed, i)
			continue
		}
		if p.CheckBlowUp && haveLast && p.blownUp(v, last) {
			failed = append(failed, i)
			continue
		}
		last, haveLast = v, true
	}
	return failed
}

func (p Policy) primary(v float64) Reason {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return ReasonNaN
	case v == p.Sentinel:
		return ReasonSentinel
	}
	return ReasonNone
}

func (p Policy) blownUp(v, prev float64) bool {
	return math.Abs(v-prev) > p.BlowUpThreshold
}
