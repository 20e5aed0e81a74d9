// Package kstat encodes a point-in-time snapshot of kernel occupancy —
// the process table plus every registered page-zone's usage — as a
// github.com/google/pprof/profile.Profile, so the existing pprof
// toolchain (`go tool pprof`) can visualize a boot session the same way
// it visualizes a CPU or heap profile. The procinfo syscall is the
// intended caller.
package kstat

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/zhmu/dogfood-sub000/mem"
	"github.com/zhmu/dogfood-sub000/proc"
)

// Snapshot builds a Profile with one sample per live process (grouped by
// state) and one sample per registered page zone (grouped by "zone N").
// Every sample carries all three declared value types; whichever doesn't
// apply to that sample's kind is zero, the usual pprof convention for a
// profile mixing sample kinds: "pages" is 1 for a process sample or the
// zone's page count for a zone sample, "userns"/"sysns" are the
// process's accumulated accnt.Accnt_t counters (a getrusage-shaped view
// of the same table Snapshot already returns), zero for zone samples.
func Snapshot(table *proc.Table, timeNanos int64) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages", Unit: "count"},
			{Type: "userns", Unit: "nanoseconds"},
			{Type: "sysns", Unit: "nanoseconds"},
		},
		TimeNanos: timeNanos,
	}

	functions := map[string]*profile.Function{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	locationFor := func(name string) *profile.Location {
		fn, ok := functions[name]
		if !ok {
			fn = &profile.Function{ID: nextFuncID, Name: name, SystemName: name}
			functions[name] = fn
			p.Function = append(p.Function, fn)
			nextFuncID++
		}
		loc := &profile.Location{
			ID:   nextLocID,
			Line: []profile.Line{{Function: fn}},
		}
		nextLocID++
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, snap := range table.Snapshot() {
		name := "proc." + snap.State.String()
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locationFor(name)},
			Value:    []int64{1, snap.Userns, snap.Sysns},
			Label:    map[string][]string{"pid": {strconv.Itoa(snap.Pid)}, "ppid": {strconv.Itoa(snap.Ppid)}},
		})
	}

	for _, z := range mem.Stats() {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locationFor("zone.total")},
			Value:    []int64{int64(z.NumPages), 0, 0},
			Label:    map[string][]string{"zone": {strconv.Itoa(z.Index)}},
		})
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locationFor("zone.avail")},
			Value:    []int64{int64(z.AvailPages), 0, 0},
			Label:    map[string][]string{"zone": {strconv.Itoa(z.Index)}},
		})
	}

	return p
}

// Write encodes the snapshot in gzip'd protobuf form, the format
// `go tool pprof` reads directly.
func Write(table *proc.Table, timeNanos int64, w io.Writer) error {
	return Snapshot(table, timeNanos).Write(w)
}
