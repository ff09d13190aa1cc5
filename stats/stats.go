// Package stats reads and writes the per-object patching statistics log.
//
// Each line has the form
//
//	pid,runID,path,secs.nnnnnnnnn,totalSign,patchedSign,totalAuth,patchedAuth
//
// with one line per patched object followed by a line whose path is TOTAL.
package stats

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/patch"
)

// TotalPath marks the record summing a whole run.
const TotalPath = "TOTAL"

const fieldCount = 8

type Record struct {
	PID     int
	RunID   string
	Path    string
	Elapsed time.Duration
	Counts  patch.Counts
}

func (r Record) IsTotal() bool {
	return r.Path == TotalPath
}

func formatElapsed(d time.Duration) string {
	return fmt.Sprintf("%d.%09d", d/time.Second, d%time.Second)
}

func (r Record) String() string {
	return fmt.Sprintf("%d,%s,%s,%s,%d,%d,%d,%d",
		r.PID, r.RunID, r.Path, formatElapsed(r.Elapsed),
		r.Counts.TotalSign, r.Counts.PatchedSign,
		r.Counts.TotalAuth, r.Counts.PatchedAuth)
}

// Writer appends records for one run.
type Writer struct {
	w     io.Writer
	c     io.Closer
	pid   int
	runID string
}

func NewWriter(w io.Writer, pid int, runID string) *Writer {
	return &Writer{w: w, pid: pid, runID: runID}
}

// Open appends to the log at path, creating it if needed.
func Open(path string, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open statistics log %s", path)
	}
	w := NewWriter(f, os.Getpid(), runID)
	w.c = f
	return w, nil
}

func (w *Writer) write(path string, elapsed time.Duration, c patch.Counts) error {
	rec := Record{PID: w.pid, RunID: w.runID, Path: path, Elapsed: elapsed, Counts: c}
	if _, err := io.WriteString(w.w, rec.String()+"\n"); err != nil {
		return errors.Wrap(err, "failed to write statistics record")
	}
	return nil
}

// Object records the time spent on and the sites found in one object.
func (w *Writer) Object(path string, elapsed time.Duration, c patch.Counts) error {
	return w.write(path, elapsed, c)
}

// Total records the run as a whole.
func (w *Writer) Total(elapsed time.Duration, c patch.Counts) error {
	return w.write(TotalPath, elapsed, c)
}

func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}

func parseElapsed(s string) (time.Duration, error) {
	secs, frac, ok := strings.Cut(s, ".")
	if !ok || len(frac) != 9 {
		return 0, errors.Errorf("bad elapsed time %q", s)
	}
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad elapsed time %q", s)
	}
	nsec, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad elapsed time %q", s)
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

// ParseRecord parses one line. Paths may contain commas; every field but the
// path has a fixed position from either end.
func ParseRecord(line string) (Record, error) {
	f := strings.Split(line, ",")
	if len(f) < fieldCount {
		return Record{}, errors.Errorf("statistics record has %d fields, want %d", len(f), fieldCount)
	}
	n := len(f)
	f = append([]string{f[0], f[1], strings.Join(f[2:n-5], ",")}, f[n-5:]...)

	var rec Record
	var err error
	if rec.PID, err = strconv.Atoi(f[0]); err != nil {
		return Record{}, errors.Wrapf(err, "bad pid %q", f[0])
	}
	rec.RunID = f[1]
	rec.Path = f[2]
	if rec.Elapsed, err = parseElapsed(f[3]); err != nil {
		return Record{}, err
	}
	counts := []*int64{&rec.Counts.TotalSign, &rec.Counts.PatchedSign, &rec.Counts.TotalAuth, &rec.Counts.PatchedAuth}
	for i, p := range counts {
		if *p, err = strconv.ParseInt(f[4+i], 10, 64); err != nil {
			return Record{}, errors.Wrapf(err, "bad counter %q", f[4+i])
		}
	}
	if !rec.Counts.Valid() {
		return Record{}, errors.Errorf("record for %s patched more sites than it found", rec.Path)
	}
	return rec, nil
}

// Parse reads every record of a log. Blank lines are ignored.
func Parse(r io.Reader) ([]Record, error) {
	var recs []Record
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			continue
		}
		rec, err := ParseRecord(text)
		if err != nil {
			return recs, errors.Wrapf(err, "line %d", line)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return recs, errors.Wrap(err, "failed to read statistics log")
	}
	return recs, nil
}

// Summary aggregates the records of one path over every run in a log.
type Summary struct {
	Path    string
	Runs    int
	Elapsed time.Duration
	Counts  patch.Counts
}

// Summarize groups records by path, sorted by path with TOTAL last.
func Summarize(recs []Record) []Summary {
	byPath := make(map[string]*Summary)
	for _, r := range recs {
		s, ok := byPath[r.Path]
		if !ok {
			s = &Summary{Path: r.Path}
			byPath[r.Path] = s
		}
		s.Runs++
		s.Elapsed += r.Elapsed
		s.Counts.Add(r.Counts)
	}
	out := make([]Summary, 0, len(byPath))
	for _, s := range byPath {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == TotalPath || out[j].Path == TotalPath {
			return out[j].Path == TotalPath && out[i].Path != TotalPath
		}
		return out[i].Path < out[j].Path
	})
	return out
}
