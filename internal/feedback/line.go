package feedback

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// FormatLine renders r as a single "state,freeText" line including the
// trailing newline. Line breaks inside either field become spaces.
func FormatLine(r Record) string {
	return lineBreaks.Replace(r.State) + "," + lineBreaks.Replace(r.FreeText) + "\n"
}

// ParseLine splits a log line on its first comma. States that contain a
// comma therefore read back truncated; the line format cannot express them.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	state, text, ok := strings.Cut(line, ",")
	if !ok {
		return Record{}, fmt.Errorf("malformed feedback line %q", line)
	}
	return Record{State: state, FreeText: text}, nil
}

// ReadLines parses every non-empty line of r.
func ReadLines(r io.Reader) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read feedback lines: %w", err)
	}
	return out, nil
}
