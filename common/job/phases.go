package job

// Phase maps a named pipeline stage onto a fixed slice of the 0-100 progress
// scale. The boundaries are constants per job kind so tests can assert exact
// values.
type Phase struct {
	Name  string
	Start int
	End   int
}

// PhaseTable is the ordered phase list for one job kind.
type PhaseTable []Phase

// Percent maps a fraction of completion within a named phase onto the global
// scale. An unknown phase or out-of-range fraction clamps to the table edges.
func (t PhaseTable) Percent(phase string, frac float64) int {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	for _, p := range t {
		if p.Name == phase {
			return p.Start + int(frac*float64(p.End-p.Start))
		}
	}
	return 0
}

var phaseTables = map[Kind]PhaseTable{
	KindFileProcessing: {
		{Name: "validate", Start: 0, End: 10},
		{Name: "process", Start: 10, End: 95},
		{Name: "finalize", Start: 95, End: 100},
	},
	KindPlaylistDownload: {
		{Name: "discovery", Start: 0, End: 10},
		{Name: "transfer", Start: 10, End: 90},
		{Name: "finalize", Start: 90, End: 100},
	},
	KindScrapeExtract: {
		{Name: "fetch", Start: 0, End: 15},
		{Name: "extract", Start: 15, End: 90},
		{Name: "finalize", Start: 90, End: 100},
	},
}

// PhasesFor returns the fixed phase table for a kind.
func PhasesFor(kind Kind) PhaseTable {
	return phaseTables[kind]
}
