// Command generate-sample-report runs the baseline scenario against an
// in-process fake API and writes the HTML report, for previewing report
// changes without a real deployment.
package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/grocerytest"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
	"github.com/grocery-inventory/grocery-load/internal/performance/report"
	"github.com/grocery-inventory/grocery-load/internal/scenarios"
)

func main() {
	outputPath := "sample-report.html"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}

	if err := generate(context.Background(), outputPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sample report generated: %s\n", outputPath)
}

func generate(ctx context.Context, outputPath string) error {
	api := httptest.NewServer(grocerytest.New(grocerytest.Options{
		Latency:      5 * time.Millisecond,
		FailureRatio: 0.01,
	}))
	defer api.Close()

	cfg, err := scenarios.Load(scenarios.Default)
	if err != nil {
		return err
	}
	stages, err := config.ParseStages("5s:5,10s:5,5s:0")
	if err != nil {
		return err
	}
	config.ApplyOverrides(cfg, config.Overrides{BaseURL: api.URL, Stages: stages})

	eng, err := engine.NewEngine(cfg)
	if err != nil {
		return err
	}
	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	return report.GenerateHTML(result, outputPath)
}
