package audit

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"src.lsptap.dev/pkg/must"
	"src.lsptap.dev/pkg/testutil"
)

var fixedTime = time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.Local)

func setup(t *testing.T) {
	testutil.Set(t, &now, func() time.Time { return fixedTime })
}

func TestSink_Record(t *testing.T) {
	setup(t)
	var buf bytes.Buffer
	s := New(&buf)

	s.Record("EDITOR -> SERVER", []byte("Content-Length: 2\r\n\r\n{}"))
	s.Record(Stderr, []byte("starting\n"))

	want := "\n=== 2024-03-01T12:30:45.123456 EDITOR -> SERVER (23 bytes) ===\n" +
		"Content-Length: 2\r\n\r\n{}\n" +
		"\n=== 2024-03-01T12:30:45.123456 STDERR (9 bytes) ===\n" +
		"starting\n\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
}

func TestSink_Record_BinaryPayload(t *testing.T) {
	setup(t)
	var buf bytes.Buffer
	New(&buf).Record(Stderr, []byte{0xff, 0x00, 'a'})

	want := "\n=== 2024-03-01T12:30:45.123456 STDERR (3 bytes) ===\n" +
		"<binary: ff0061>\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSink_Recordf(t *testing.T) {
	setup(t)
	var buf bytes.Buffer
	New(&buf).Recordf(Signal, "Received signal %s, terminating LSP", "SIGTERM")

	want := "\n=== 2024-03-01T12:30:45.123456 SIGNAL (40 bytes) ===\n" +
		"Received signal SIGTERM, terminating LSP\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSink_Banner(t *testing.T) {
	setup(t)
	var buf bytes.Buffer
	New(&buf).Banner("/usr/bin/server", "session-id")

	rule := strings.Repeat("=", 60)
	want := "\n\n" + rule + "\n" +
		"Session started: 2024-03-01T12:30:45.123456\n" +
		"LSP: /usr/bin/server\n" +
		"Session: session-id\n" +
		rule + "\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("banner (-want +got):\n%s", diff)
	}
}

func TestOpen_AppendsAcrossSinks(t *testing.T) {
	setup(t)
	path := filepath.Join(testutil.TempDir(t), "sub", "audit.log")

	for _, payload := range []string{"first", "second"} {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open -> %v", err)
		}
		s.Record(Info, []byte(payload))
		if err := s.Close(); err != nil {
			t.Errorf("Close -> %v", err)
		}
	}

	got := must.ReadFileString(path)
	want := "\n=== 2024-03-01T12:30:45.123456 INFO (5 bytes) ===\nfirst\n" +
		"\n=== 2024-03-01T12:30:45.123456 INFO (6 bytes) ===\nsecond\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
}

func TestOpen_BadPath(t *testing.T) {
	dir := testutil.TempDir(t)
	must.WriteFile(filepath.Join(dir, "file"), "")
	_, err := Open(filepath.Join(dir, "file", "audit.log"))
	if err == nil {
		t.Errorf("Open under a regular file -> nil error, want error")
	}
}

func TestSink_RecordAfterClose(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "audit.log")
	s := must.OK1(Open(path))
	must.OK(s.Close())
	// Must not panic or write anything.
	s.Record(Info, []byte("late"))
	if got := must.ReadFileString(path); got != "" {
		t.Errorf("log after close = %q, want empty", got)
	}
}

var recordHeader = regexp.MustCompile(`^\n=== \S+ (.+) \((\d+) bytes\) ===\n`)

func TestSink_ConcurrentRecordsDoNotInterleave(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "audit.log")
	s := must.OK1(Open(path))
	defer s.Close()

	const writers, records = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			label := Label(fmt.Sprintf("WRITER %d", i))
			payload := bytes.Repeat([]byte{byte('a' + i)}, 4096+i)
			for j := 0; j < records; j++ {
				s.Record(label, payload)
			}
		}(i)
	}
	wg.Wait()

	data := must.ReadFileString(path)
	count := 0
	for len(data) > 0 {
		m := recordHeader.FindStringSubmatch(data)
		if m == nil {
			t.Fatalf("no record header at %q", head(data))
		}
		var i int
		fmt.Sscanf(m[1], "WRITER %d", &i)
		n := must.OK1(strconv.Atoi(m[2]))
		data = data[len(m[0]):]
		want := strings.Repeat(string(rune('a'+i)), 4096+i) + "\n"
		if n != 4096+i || !strings.HasPrefix(data, want) {
			t.Fatalf("record of %s has corrupted payload: %q", m[1], head(data))
		}
		data = data[len(want):]
		count++
	}
	if count != writers*records {
		t.Errorf("got %d records, want %d", count, writers*records)
	}
}

func TestSink_ConcurrentRecordsHaveOrderedTimestamps(t *testing.T) {
	var ticks atomic.Int64
	testutil.Set(t, &now, func() time.Time {
		return fixedTime.Add(time.Duration(ticks.Add(1)) * time.Microsecond)
	})
	var buf bytes.Buffer
	s := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Record(Info, []byte("x"))
			}
		}()
	}
	wg.Wait()

	var last time.Time
	matches := regexp.MustCompile(`\n=== (\S+) INFO`).FindAllStringSubmatch(buf.String(), -1)
	if len(matches) != 800 {
		t.Fatalf("got %d records, want 800", len(matches))
	}
	for _, m := range matches {
		ts := must.OK1(time.ParseInLocation(TimeFormat, m[1], time.Local))
		if !ts.After(last) {
			t.Fatalf("timestamp %s follows %s", ts.Format(TimeFormat), last.Format(TimeFormat))
		}
		last = ts
	}
}

func head(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
