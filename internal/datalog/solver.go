package datalog

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Solver runs an external datalog program against a working directory of
// ".facts" input relations; the solver writes each output relation the
// program declares back into that directory as a tab-separated file.
type Solver struct {
	// BinaryPath is the souffle executable, resolved from config.
	BinaryPath string
}

func NewSolver(binaryPath string) *Solver {
	if binaryPath == "" {
		binaryPath = "souffle"
	}
	return &Solver{BinaryPath: binaryPath}
}

// Run compiles programPath (a ".dl" source containing declarations, rules,
// and output directives) against factsDir, writing output relations back
// into factsDir, and returns combined stderr on failure.
func (s *Solver) Run(ctx context.Context, programPath, factsDir string) error {
	cmd := exec.CommandContext(ctx, s.BinaryPath,
		"-F", factsDir,
		"-D", factsDir,
		programPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &SolverError{Query: filepath.Base(programPath), Stderr: stderr.String(), Err: err}
	}
	return nil
}
