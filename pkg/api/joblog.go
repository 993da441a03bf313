package api

import (
	"bufio"
	"fmt"
	"os"
)

// smallFileThreshold mirrors the original log reader's 1MB cutoff between
// "read the whole file" and "tail the last maxLogLines lines".
const smallFileThreshold = 1 << 20

const maxLogLines = 1000

// readJobLog returns the contents of path, truncated to the last
// maxLogLines lines with a leading marker for files over
// smallFileThreshold. A missing file is not an error: it returns "".
func readJobLog(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if info.Size() < smallFileThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Sprintf("[error reading log file: %v]", err)
		}
		return string(data)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("[error reading log file: %v]", err)
	}
	defer f.Close()

	ring := make([]string, maxLogLines)
	count, next := 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[next] = scanner.Text()
		next = (next + 1) % maxLogLines
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Sprintf("[error reading log file: %v]", err)
	}

	lines := make([]string, 0, maxLogLines+1)
	if count > maxLogLines {
		lines = append(lines, fmt.Sprintf("... (showing last %d lines) ...", maxLogLines))
		for i := 0; i < maxLogLines; i++ {
			lines = append(lines, ring[(next+i)%maxLogLines])
		}
	} else {
		for i := 0; i < count; i++ {
			lines = append(lines, ring[i])
		}
	}

	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
