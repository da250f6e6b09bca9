package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ScenarioNotFoundError is returned when a scenario directory holds no
// scenario files.
type ScenarioNotFoundError struct {
	Dir string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("no scenario files (*.yaml) found in %s", e.Dir)
}

// FindScenarios returns the scenario files in dir, sorted by name.
func FindScenarios(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scenario directory: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &ScenarioNotFoundError{Dir: dir}
	}
	sort.Strings(paths)
	return paths, nil
}

// SuiteResult contains results from running a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// suiteParallelism bounds how many scenarios run at once.
const suiteParallelism = 4

// RunSuite loads and runs every scenario in dir. Scenarios run in parallel,
// each against its own in-memory database; failures are reported in file
// order.
func RunSuite(ctx context.Context, dir string, opts ...Option) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	failures := make([]string, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(suiteParallelism)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			failures[i] = runScenarioFile(path, opts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &SuiteResult{TotalScenarios: len(paths)}
	for i, msg := range failures {
		if msg == "" {
			result.Passed++
			continue
		}
		result.Failed++
		result.Failures = append(result.Failures, ScenarioFailure{ScenarioPath: paths[i], Error: msg})
	}
	return result, nil
}

// runScenarioFile returns why the scenario at path failed, or "".
func runScenarioFile(path string, opts ...Option) string {
	scenario, err := LoadScenario(path)
	if err != nil {
		return fmt.Sprintf("failed to load scenario: %v", err)
	}

	res, err := Run(scenario, opts...)
	if err != nil {
		return fmt.Sprintf("scenario execution failed: %v", err)
	}
	if !res.Pass {
		return fmt.Sprintf("scenario assertions failed: %v", res.Errors)
	}
	return ""
}
