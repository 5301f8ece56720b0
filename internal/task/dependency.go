package task

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// Dependency is the `outputs <- inputs` operator.
type Dependency struct {
	Outputs []string
	Inputs  []string
}

// NeedsUpdate reports whether the outputs must be rebuilt. It is true when an
// output is missing or empty, when an input is newer than the oldest output,
// or when an input is produced by a task that has not finished. pending may be
// nil. An input that does not exist and is not pending is an error.
func (d Dependency) NeedsUpdate(pending func(path string) bool) (bool, error) {
	if len(d.Outputs) == 0 {
		return true, nil
	}

	var oldest time.Time
	for _, out := range d.Outputs {
		fi, err := os.Stat(out)
		if err != nil || fi.Size() == 0 {
			return true, nil
		}
		if oldest.IsZero() || fi.ModTime().Before(oldest) {
			oldest = fi.ModTime()
		}
	}

	for _, in := range d.Inputs {
		if pending != nil && pending(in) {
			return true, nil
		}
		fi, err := os.Stat(in)
		if err != nil {
			if os.IsNotExist(err) {
				return false, fmt.Errorf("input file %q does not exist and no task produces it", in)
			}
			return false, err
		}
		if fi.ModTime().After(oldest) {
			return true, nil
		}
	}
	return false, nil
}

// Tail returns the last n lines of the file at path. A missing file yields
// no lines.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}
