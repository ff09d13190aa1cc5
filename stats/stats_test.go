package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkujhd/kpac/patch"
)

func TestWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 4242, "run1")
	if err := w.Object("/usr/lib/libc.so.6", 1500*time.Millisecond+7, patch.Counts{TotalSign: 10, PatchedSign: 9, TotalAuth: 12, PatchedAuth: 12}); err != nil {
		t.Fatal(err)
	}
	if err := w.Total(2*time.Second, patch.Counts{TotalSign: 10, PatchedSign: 9, TotalAuth: 12, PatchedAuth: 12}); err != nil {
		t.Fatal(err)
	}
	want := "4242,run1,/usr/lib/libc.so.6,1.500000007,10,9,12,12\n" +
		"4242,run1,TOTAL,2.000000000,10,9,12,12\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	log := strings.Join([]string{
		"1,a,/opt/odd,name.so,0.000001000,4,4,4,3",
		"",
		"1,a,TOTAL,0.000002000,4,4,4,3",
		"2,,/opt/odd,name.so,0.000003000,4,2,4,4",
	}, "\n")
	recs, err := Parse(strings.NewReader(log))
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{PID: 1, RunID: "a", Path: "/opt/odd,name.so", Elapsed: time.Microsecond, Counts: patch.Counts{TotalSign: 4, PatchedSign: 4, TotalAuth: 4, PatchedAuth: 3}},
		{PID: 1, RunID: "a", Path: TotalPath, Elapsed: 2 * time.Microsecond, Counts: patch.Counts{TotalSign: 4, PatchedSign: 4, TotalAuth: 4, PatchedAuth: 3}},
		{PID: 2, RunID: "", Path: "/opt/odd,name.so", Elapsed: 3 * time.Microsecond, Counts: patch.Counts{TotalSign: 4, PatchedSign: 2, TotalAuth: 4, PatchedAuth: 4}},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if !recs[1].IsTotal() || recs[0].IsTotal() {
		t.Errorf("IsTotal is wrong")
	}

	sums := Summarize(recs)
	wantSums := []Summary{
		{Path: "/opt/odd,name.so", Runs: 2, Elapsed: 4 * time.Microsecond, Counts: patch.Counts{TotalSign: 8, PatchedSign: 6, TotalAuth: 8, PatchedAuth: 7}},
		{Path: TotalPath, Runs: 1, Elapsed: 2 * time.Microsecond, Counts: patch.Counts{TotalSign: 4, PatchedSign: 4, TotalAuth: 4, PatchedAuth: 3}},
	}
	if diff := cmp.Diff(wantSums, sums); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	for _, line := range []string{
		"1,a,/x,0.000000001,1,1,1",
		"x,a,/x,0.000000001,1,1,1,1",
		"1,a,/x,0.1,1,1,1,1",
		"1,a,/x,0.000000001,1,2,1,1",
		"1,a,/x,0.000000001,1,1,one,1",
	} {
		if _, err := ParseRecord(line); err == nil {
			t.Errorf("ParseRecord(%q) succeeded", line)
		}
	}
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat.log")
	for i := 0; i < 2; i++ {
		w, err := Open(path, "r")
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Total(time.Second, patch.Counts{}); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].PID != os.Getpid() {
		t.Errorf("got %+v", recs)
	}
}
