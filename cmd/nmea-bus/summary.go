package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"nmea-bus/internal/nmea"
	"nmea-bus/internal/replay"
)

type logSummary struct {
	Segments     int
	Sentences    int
	Invalid      int
	MaxDuration  time.Duration
	IDCounts     map[string]int
	SourceCounts map[string]int
}

func summarizeRecording(records []replay.Record) logSummary {
	s := logSummary{IDCounts: map[string]int{}, SourceCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	hasLines := false
	segments := 0
	for _, r := range records {
		if r.Line == "" {
			segments++
			continue
		}
		hasLines = true

		s.Sentences++
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}
		s.SourceCounts[r.Source]++

		raw, err := nmea.Parse(r.Line, time.Time{})
		if err != nil {
			s.Invalid++
			continue
		}
		s.IDCounts[string(raw.Talker())+string(raw.ID())]++
	}
	if segments == 0 && hasLines {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeRecording(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "sentences: %d\n", s.Sentences)
	fmt.Fprintf(w, "invalid_sentences: %d\n", s.Invalid)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	printCounts(w, "sources", s.SourceCounts)
	printCounts(w, "sentence_counts", s.IDCounts)
	return nil
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
	}
}
