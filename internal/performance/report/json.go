package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
)

// WriteJSON encodes the full test result as indented JSON.
func WriteJSON(w io.Writer, result *engine.TestResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// GenerateJSON writes the JSON report to a file.
func GenerateJSON(result *engine.TestResult, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	if err := WriteJSON(f, result); err != nil {
		f.Close()
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	return f.Close()
}
