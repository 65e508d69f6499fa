package backup

// ============================================================================
// Backup Record Encoding
// One tab-separated line per solve:
//
//	workerID  frequency  step  v_0 ... v_{E-1}  validFlag
//
// validFlag is 1 for a solved step and 0 for one zero-filled after a
// failure. Real values use the shortest round-trip float form, phasors the Go
// complex form "(re+imi)". No header.
// ============================================================================

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// Record is one backup line.
type Record struct {
	Worker    int          // worker that produced the step
	Frequency float64      // frequency value, 0 for static grids
	Step      int          // time index
	Values    []complex128 // one value per channel
	Phasor    bool         // encode values as complex numbers
	Recovered bool         // step failed and was zero-filled
}

// Handler processes one record during Replay.
type Handler func(rec Record) error

// FromOutcome converts a worker outcome into a backup record.
func FromOutcome(o types.StepOutcome, phasor bool) Record {
	return Record{
		Worker:    o.WorkerID,
		Frequency: o.Frequency,
		Step:      o.Step,
		Values:    o.Values,
		Phasor:    phasor,
		Recovered: o.Recovered,
	}
}

// AppendText appends the encoded line, newline included, to dst.
func (r Record) AppendText(dst []byte) []byte {
	dst = strconv.AppendInt(dst, int64(r.Worker), 10)
	dst = append(dst, '\t')
	dst = strconv.AppendFloat(dst, r.Frequency, 'g', -1, 64)
	dst = append(dst, '\t')
	dst = strconv.AppendInt(dst, int64(r.Step), 10)
	for _, v := range r.Values {
		dst = append(dst, '\t')
		if r.Phasor {
			dst = append(dst, strconv.FormatComplex(v, 'g', -1, 128)...)
		} else {
			dst = strconv.AppendFloat(dst, real(v), 'g', -1, 64)
		}
	}
	if r.Recovered {
		dst = append(dst, "\t0\n"...)
	} else {
		dst = append(dst, "\t1\n"...)
	}
	return dst
}

// String returns the encoded line without its newline.
func (r Record) String() string {
	return strings.TrimSuffix(string(r.AppendText(nil)), "\n")
}

// ParseRecord decodes one line (without newline).
func ParseRecord(line string) (Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrCorruptedLine, len(fields))
	}

	var rec Record
	var err error
	if rec.Worker, err = strconv.Atoi(fields[0]); err != nil {
		return Record{}, fmt.Errorf("%w: worker: %v", ErrCorruptedLine, err)
	}
	if rec.Frequency, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return Record{}, fmt.Errorf("%w: frequency: %v", ErrCorruptedLine, err)
	}
	if rec.Step, err = strconv.Atoi(fields[2]); err != nil {
		return Record{}, fmt.Errorf("%w: step: %v", ErrCorruptedLine, err)
	}

	switch flag := fields[len(fields)-1]; flag {
	case "1":
	case "0":
		rec.Recovered = true
	default:
		return Record{}, fmt.Errorf("%w: valid flag %q", ErrCorruptedLine, flag)
	}

	values := fields[3 : len(fields)-1]
	rec.Values = make([]complex128, len(values))
	for i, s := range values {
		if strings.HasPrefix(s, "(") {
			rec.Phasor = true
			rec.Values[i], err = strconv.ParseComplex(s, 128)
		} else {
			var x float64
			x, err = strconv.ParseFloat(s, 64)
			rec.Values[i] = complex(x, 0)
		}
		if err != nil {
			return Record{}, fmt.Errorf("%w: value %d: %v", ErrCorruptedLine, i, err)
		}
	}
	return rec, nil
}
