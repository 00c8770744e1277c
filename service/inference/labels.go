package inference

import (
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// LoadLabels reads a names file with one class label per line. Blank trailing
// lines are ignored; the line number is the class id.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading labels: %w", err)
	}

	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n ")
	if text == "" {
		return nil, xerrors.Errorf("labels file %s is empty", path)
	}
	return strings.Split(text, "\n"), nil
}
