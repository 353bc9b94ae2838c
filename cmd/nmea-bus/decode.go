package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nmea-bus/internal/nmea"
	"nmea-bus/internal/replay"
)

type decodeStats struct {
	Typed  int
	Raw    int
	Errors int
}

// decodedLine is one output line of the decode command.
type decodedLine struct {
	Source   string          `json:"source,omitempty"`
	Talker   nmea.TalkerID   `json:"talker"`
	ID       nmea.SentenceID `json:"id"`
	Typed    bool            `json:"typed"`
	Sentence any             `json:"sentence,omitempty"`
	Line     string          `json:"line"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	st, err := decodeStream(in, cmd.OutOrStdout(), decodeRaw, func() time.Time { return time.Now().UTC() })
	fmt.Fprintf(cmd.ErrOrStderr(), "typed=%d raw=%d errors=%d\n", st.Typed, st.Raw, st.Errors)
	return err
}

// isRecording reports whether the stream holds a recording rather than plain NMEA lines.
func isRecording(br *bufio.Reader) bool {
	head, _ := br.Peek(5)
	switch {
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return true
	case bytes.HasPrefix(head, []byte("START")):
		return true
	case len(head) > 0 && head[0] >= '0' && head[0] <= '9':
		return true
	}
	return false
}

// decodeStream prints one JSON object per decoded sentence. Sentences without a decoder are
// only printed when withRaw is set.
func decodeStream(r io.Reader, w io.Writer, withRaw bool, now func() time.Time) (decodeStats, error) {
	var st decodeStats
	enc := json.NewEncoder(w)
	br := bufio.NewReader(r)

	if isRecording(br) {
		recs, err := replay.NewReader(br).ReadAll()
		if err != nil {
			return st, err
		}
		for _, rec := range recs {
			if rec.Line == "" {
				continue
			}
			at := rec.Time
			if at.IsZero() {
				at = now()
			}
			decodeOne(enc, &st, rec.Source, rec.Line, at, withRaw)
		}
		return st, nil
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		decodeOne(enc, &st, "", line, now(), withRaw)
	}
	return st, sc.Err()
}

func decodeOne(enc *json.Encoder, st *decodeStats, source, line string, at time.Time, withRaw bool) {
	raw, err := nmea.Parse(line, at)
	if err != nil {
		st.Errors++
		log.Warnf("decode: %v", err)
		return
	}
	typed, err := nmea.Decode(raw, at)
	if err != nil {
		st.Errors++
		log.Warnf("decode %s: %v", raw.ID(), err)
		return
	}
	out := decodedLine{Source: source, Talker: raw.Talker(), ID: raw.ID(), Line: nmea.Encode(raw)}
	if nmea.IsRaw(typed) {
		st.Raw++
		if !withRaw {
			return
		}
	} else {
		st.Typed++
		out.Typed = true
		out.Sentence = typed
	}
	if err := enc.Encode(out); err != nil {
		st.Errors++
		log.Warnf("decode %s: %v", raw.ID(), err)
	}
}
