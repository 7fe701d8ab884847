package campaign

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const maxLogFiles = 5

type LogTail struct {
	Name  string
	Lines []string
}

type ArtifactCheck struct {
	Name  string
	Found bool
	Path  string
}

// Diagnostics is gathered automatically when a campaign does not succeed so
// the failure can be investigated without re-running it.
type Diagnostics struct {
	Reason     string
	ExitCode   int
	StdoutTail []string
	StderrTail []string
	LogTails   []LogTail
	Artifacts  []ArtifactCheck
}

func (d *Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reason: %s\n", d.Reason)
	fmt.Fprintf(&b, "exit code: %d\n", d.ExitCode)

	b.WriteString("\nartifacts:\n")
	for _, a := range d.Artifacts {
		if a.Found {
			fmt.Fprintf(&b, "  %s: found (%s)\n", a.Name, a.Path)
		} else {
			fmt.Fprintf(&b, "  %s: missing\n", a.Name)
		}
	}

	writeSection(&b, "stdout (tail)", d.StdoutTail)
	writeSection(&b, "stderr (tail)", d.StderrTail)
	for _, lt := range d.LogTails {
		writeSection(&b, lt.Name+" (tail)", lt.Lines)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n--- %s ---\n", title)
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// collectLogTails reads the last n lines of up to five regular files in dir.
func collectLogTails(dir string, n int) []LogTail {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var tails []LogTail
	for _, entry := range entries {
		if len(tails) == maxLogFiles {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		tails = append(tails, LogTail{Name: entry.Name(), Lines: lastLines(data, n)})
	}
	return tails
}

func lastLines(data []byte, n int) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.ToValidUTF8(scanner.Text(), "?"))
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}

func checkArtifacts(dir string, names ...string) []ArtifactCheck {
	checks := make([]ArtifactCheck, 0, len(names))
	for _, name := range names {
		path := findFile(dir, name)
		checks = append(checks, ArtifactCheck{Name: name, Found: path != "", Path: path})
	}
	return checks
}

func findFile(dir, name string) string {
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// maxPartialLine bounds an unterminated line, e.g. a UI redrawn with \r.
const maxPartialLine = 64 << 10

// tailBuffer is an io.Writer keeping only the last max complete lines.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	if len(data) > maxPartialLine {
		data = data[len(data)-maxPartialLine:]
	}
	t.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, strings.ToValidUTF8(line, "?"))
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns the retained lines, including a trailing partial line.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
		if len(out) > t.max {
			out = out[len(out)-t.max:]
		}
	}
	return out
}
