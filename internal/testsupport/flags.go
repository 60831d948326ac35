// Package testsupport holds a thin pflag-based parser for overriding
// journal hint values from an argument slice
// ("--record-hint=65536 --key-space=1024"), keeping the engine itself a
// flag-free library: this lives next to the tests that use it rather than
// in pkg/nfsdb. Nothing here reads os.Args; the caller supplies the slice.
package testsupport

import "github.com/spf13/pflag"

// HintOverrides carries the sizing hints a benchmark run may want to vary:
// RecordHint sizes column/index bit hints, KeySpace sizes a KVIndex or
// SymbolTable's distinct-value hint.
type HintOverrides struct {
	RecordHint int
	KeySpace   int64
}

// ParseHintOverrides parses args into a HintOverrides, defaulting to
// RecordHint 1024 and KeySpace 16 when a flag is absent.
func ParseHintOverrides(args []string) (*HintOverrides, error) {
	fs := pflag.NewFlagSet("nfsdb-bench", pflag.ContinueOnError)
	recordHint := fs.Int("record-hint", 1024, "expected row count hint for column/index sizing")
	keySpace := fs.Int64("key-space", 16, "expected distinct key count for symbol/index sizing")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &HintOverrides{RecordHint: *recordHint, KeySpace: *keySpace}, nil
}
