package memory

import (
	"bufio"
	"encoding/json"
	"os"
)

// readNDJSONLines reads every non-empty line of an NDJSON file, returning
// an empty slice (not an error) when the file does not exist yet.
func readNDJSONLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	return lines, scanner.Err()
}

func unmarshalLine(line []byte, v interface{}) error {
	return json.Unmarshal(line, v)
}
