// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package specfile reads the line-oriented SPEC instrument log format
// written by the beamline control software. A file is a header block of
// #-directives followed by scan blocks, each carrying its own directives
// and a whitespace-delimited data table. See the SPEC file format notes
// at https://certif.com/downloads/css_docs/spec_man.pdf.
package specfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how scan blocks are segmented.
type Mode int

const (
	// ModeCanonical separates scan blocks by blank lines only.
	ModeCanonical Mode = iota
	// ModeLegacy additionally treats a #S or #C directive arriving while
	// table rows are pending as an implicit end of the current block.
	// Older acquisition macros wrote files like this.
	ModeLegacy
)

// FileInfo holds the header block of a SPEC file.
type FileInfo struct {
	FileName   string
	Epoch      int64
	Start      time.Time
	MotorNames []string
	Comments   []string
}

// ScanRecord holds one scan block: its directives and data table.
// Rows all have exactly len(Columns) tokens.
type ScanRecord struct {
	Number         int
	Time           time.Time
	HasTime        bool
	MotorPositions []float64
	Comments       []string
	Columns        []string
	Rows           [][]string
}

// HasColumn reports whether the scan table has the named column.
func (s *ScanRecord) HasColumn(name string) bool {
	_, ok := s.columnIndex(name)
	return ok
}

// Column returns the named column's tokens in row order.
func (s *ScanRecord) Column(name string) ([]string, bool) {
	idx, ok := s.columnIndex(name)
	if !ok {
		return nil, false
	}
	col := make([]string, len(s.Rows))
	for i, row := range s.Rows {
		col[i] = row[idx]
	}
	return col, true
}

func (s *ScanRecord) columnIndex(name string) (int, bool) {
	for i, c := range s.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// FormatError reports a fatal grammar violation. Parsing stops at the
// offending line and no records are returned.
type FormatError struct {
	Line int
	Text string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("specfile: line %d: not a valid spec header line: %q", e.Line, e.Text)
}

// specDateLayout matches the asctime-style stamps written after #D.
// Day-of-month padding varies between control software versions, so
// the fields are normalized before parsing.
const specDateLayout = "Mon Jan 2 15:04:05 2006"

func parseSpecDate(rest string) (time.Time, error) {
	fields := strings.Fields(rest)
	if len(fields) != 4 {
		return time.Time{}, fmt.Errorf("specfile: bad date %q", rest)
	}
	return time.Parse(specDateLayout, strings.Join(fields, " "))
}

// Parser reads SPEC files. The zero value parses in canonical mode.
type Parser struct {
	Mode Mode
}

// ParseFile opens and parses path.
func (p Parser) ParseFile(path string) (*FileInfo, []*ScanRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads a whole SPEC file from r. A header grammar violation
// aborts the parse with a *FormatError. Table rows whose token count
// does not match the column header are dropped.
func (p Parser) Parse(r io.Reader) (*FileInfo, []*ScanRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	info := &FileInfo{}
	lineNum := 0
	inHeader := true
	for inHeader && scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			inHeader = false
			break
		}
		if err := p.headerLine(info, line, lineNum); err != nil {
			return nil, nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	var scans []*ScanRecord
	block := newBlock()
	flush := func() {
		if rec := block.finalize(); rec != nil {
			scans = append(scans, rec)
		}
		block = newBlock()
	}
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if p.Mode == ModeLegacy && len(block.rows) > 0 {
			// A terminating comment belongs to the run it interrupted.
			if strings.HasPrefix(line, "#C") {
				block.line(line)
				flush()
				continue
			}
			if strings.HasPrefix(line, "#S") {
				flush()
			}
		}
		block.line(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	flush()

	return info, scans, nil
}

func (p Parser) headerLine(info *FileInfo, line string, lineNum int) error {
	switch {
	case strings.HasPrefix(line, "#F"):
		if fields := strings.Fields(line); len(fields) > 1 {
			info.FileName = fields[1]
		}
	case strings.HasPrefix(line, "#E"):
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return &FormatError{Line: lineNum, Text: line}
		}
		epoch, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return &FormatError{Line: lineNum, Text: line}
		}
		info.Epoch = epoch
	case strings.HasPrefix(line, "#D"):
		t, err := parseSpecDate(line[2:])
		if err != nil {
			return &FormatError{Line: lineNum, Text: line}
		}
		info.Start = t
	case strings.HasPrefix(line, "#O"):
		info.MotorNames = append(info.MotorNames, strings.Fields(line)[1:]...)
	case strings.HasPrefix(line, "#C"):
		info.Comments = append(info.Comments, stripCommentPrefix(line))
	default:
		return &FormatError{Line: lineNum, Text: line}
	}
	return nil
}

// stripCommentPrefix removes the 3-byte "#C " prefix.
func stripCommentPrefix(line string) string {
	if len(line) > 3 {
		return line[3:]
	}
	return ""
}

// scanBlock accumulates one scan block's directives and rows.
type scanBlock struct {
	rec     *ScanRecord
	rows    [][]string
	sawAny  bool
	columns []string
}

func newBlock() *scanBlock {
	return &scanBlock{rec: &ScanRecord{}}
}

func (b *scanBlock) line(line string) {
	b.sawAny = true
	if strings.HasPrefix(line, "#") {
		switch {
		case strings.HasPrefix(line, "#S"):
			if fields := strings.Fields(line); len(fields) > 1 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					b.rec.Number = n
				}
			}
		case strings.HasPrefix(line, "#D"):
			if t, err := parseSpecDate(line[2:]); err == nil {
				b.rec.Time = t
				b.rec.HasTime = true
			}
		case strings.HasPrefix(line, "#P"):
			for _, tok := range strings.Fields(line)[1:] {
				if v, err := strconv.ParseFloat(tok, 64); err == nil {
					b.rec.MotorPositions = append(b.rec.MotorPositions, v)
				}
			}
		case strings.HasPrefix(line, "#C"):
			b.rec.Comments = append(b.rec.Comments, stripCommentPrefix(line))
		case strings.HasPrefix(line, "#L"):
			b.columns = strings.Fields(line)[1:]
			b.rows = nil
		}
		// Other directives (#N, #G, #Q, ...) carry acquisition
		// details this reader does not need.
		return
	}
	tokens := strings.Fields(line)
	if len(b.columns) > 0 && len(tokens) == len(b.columns) {
		b.rows = append(b.rows, tokens)
	}
}

func (b *scanBlock) finalize() *ScanRecord {
	if !b.sawAny {
		return nil
	}
	b.rec.Columns = b.columns
	b.rec.Rows = b.rows
	return b.rec
}
