package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
)

var stdout io.Writer = os.Stdout

func writeJSONLine(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}

type reportLine struct {
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Entities      int    `json:"entities"`
	DistinctIDs   int    `json:"distinct_ids"`
	ResolverCalls int    `json:"resolver_calls"`
	Resolved      int    `json:"resolved"`
	Detected      int    `json:"detected"`
	Duplicates    int    `json:"duplicates"`
	Clean         int    `json:"clean"`
	Failed        int    `json:"failed"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}

func toReportLine(r services.RunReport) reportLine {
	line := reportLine{
		Kind:          r.Kind.String(),
		Status:        string(r.Status),
		Entities:      r.Entities,
		DistinctIDs:   r.DistinctIDs,
		ResolverCalls: r.ResolverCalls,
		Resolved:      r.Resolved,
		Detected:      r.Detected,
		Duplicates:    r.Duplicates,
		Clean:         r.Clean,
		Failed:        r.Failed,
		DurationMS:    r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		line.Error = r.Err.Error()
	}
	return line
}
