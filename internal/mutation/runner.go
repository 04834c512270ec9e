package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/types"
)

// RecordSink persists every mutation record. Implemented by the store.
type RecordSink interface {
	SaveMutationRecord(mr *types.MutationRecord) error
}

// SurvivorSink receives surviving mutants as coverage-gap patterns.
// Implemented by the pattern matcher (via the pipeline).
type SurvivorSink interface {
	RecordSurvivor(mr *types.MutationRecord) error
}

// Score is the outcome of one mutation run. Score is killed/total in [0,1];
// survivors length always equals total minus killed. Harness crashes are
// counted killed conservatively but tracked separately so survivor counts
// are never inflated by harness instability.
type Score struct {
	Total         int                    `json:"total"`
	Killed        int                    `json:"killed"`
	Survived      int                    `json:"survived"`
	HarnessErrors int                    `json:"harness_errors"`
	Score         float64                `json:"score"`
	Survivors     []types.MutationRecord `json:"survivors,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
}

// Runner executes mutation batteries. Mutant runs are independent: each gets
// its own copy of the workspace, so no two runs share mutable state, and they
// execute in parallel up to the configured limit.
type Runner struct {
	cfg      config.MutationConfig
	timeout  time.Duration
	records  RecordSink
	survivor SurvivorSink
}

// NewRunner wires a runner to its sinks. Either sink may be nil.
func NewRunner(cfg *config.Config, records RecordSink, survivor SurvivorSink) *Runner {
	return &Runner{
		cfg:      cfg.Mutation,
		timeout:  cfg.GetMutationTimeout(),
		records:  records,
		survivor: survivor,
	}
}

// Run generates mutants for every battery target and scores the suite.
func (r *Runner) Run(ctx context.Context, b *Battery, workdir string) (*Score, error) {
	timer := logging.StartTimer(logging.CategoryMutation, "Run")
	defer timer.Stop()

	if b == nil || len(b.Targets) == 0 {
		return &Score{StartedAt: time.Now(), FinishedAt: time.Now()}, nil
	}

	operators := r.operators()
	score := &Score{StartedAt: time.Now()}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	total := 0
	for _, target := range b.Targets {
		srcPath := filepath.Join(workdir, target.File)
		source, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read target %s: %w", target.File, err)
		}

		mutants := Generate(target.File, string(source), operators)
		if r.cfg.MaxMutants > 0 && total+len(mutants) > r.cfg.MaxMutants {
			mutants = mutants[:r.cfg.MaxMutants-total]
		}
		total += len(mutants)
		logging.Mutation("Target %s: %d mutants", target.File, len(mutants))

		for _, m := range mutants {
			m := m
			target := target
			src := string(source)
			g.Go(func() error {
				rec := r.runMutant(gctx, m, target, src, workdir)
				if r.records != nil {
					if err := r.records.SaveMutationRecord(rec); err != nil {
						logging.Get(logging.CategoryMutation).Warn("Failed to persist mutation record %s: %v", rec.ID, err)
					}
				}

				mu.Lock()
				defer mu.Unlock()
				score.Total++
				if rec.Killed {
					score.Killed++
					if rec.HarnessError {
						score.HarnessErrors++
					}
				} else {
					score.Survived++
					score.Survivors = append(score.Survivors, *rec)
				}
				return nil
			})
		}

		if r.cfg.MaxMutants > 0 && total >= r.cfg.MaxMutants {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if score.Total > 0 {
		score.Score = float64(score.Killed) / float64(score.Total)
	}
	score.FinishedAt = time.Now()

	for i := range score.Survivors {
		if r.survivor != nil {
			if err := r.survivor.RecordSurvivor(&score.Survivors[i]); err != nil {
				logging.Get(logging.CategoryMutation).Warn("Failed to record survivor: %v", err)
			}
		}
	}

	logging.Mutation("Run complete: total=%d killed=%d survived=%d harness_errors=%d score=%.2f",
		score.Total, score.Killed, score.Survived, score.HarnessErrors, score.Score)
	return score, nil
}

// runMutant executes one mutant in an isolated workspace copy.
func (r *Runner) runMutant(ctx context.Context, m Mutant, target Target, source, workdir string) *types.MutationRecord {
	rec := &types.MutationRecord{
		ID:        uuid.NewString(),
		Operator:  m.Operator,
		File:      m.File,
		Line:      m.Line,
		Original:  m.Original,
		Mutated:   m.Mutated,
		Tests:     target.Tests,
		CreatedAt: time.Now(),
	}

	sandbox, err := os.MkdirTemp("", "failsift-mutant-*")
	if err != nil {
		// Could not even stage the run: harness failure, counted killed.
		rec.Killed = true
		rec.HarnessError = true
		rec.Output = fmt.Sprintf("sandbox setup failed: %v", err)
		return rec
	}
	defer os.RemoveAll(sandbox)

	if err := copyTree(workdir, sandbox); err != nil {
		rec.Killed = true
		rec.HarnessError = true
		rec.Output = fmt.Sprintf("workspace copy failed: %v", err)
		return rec
	}

	mutated := m.Apply(source)
	if err := os.WriteFile(filepath.Join(sandbox, target.File), []byte(mutated), 0644); err != nil {
		rec.Killed = true
		rec.HarnessError = true
		rec.Output = fmt.Sprintf("mutant write failed: %v", err)
		return rec
	}

	timeout := r.timeout
	if target.TimeoutSec > 0 {
		timeout = time.Duration(target.TimeoutSec) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runShell(tctx, target.Command, sandbox)
	rec.Output = truncate(out, 4096)

	switch {
	case err == nil:
		// All tests passed despite the mutation: survivor.
		rec.Killed = false
	case isTestFailure(err):
		rec.Killed = true
	default:
		// Harness itself broke (timeout, command missing, setup crash).
		// The crash is evidence of detection, but flagged so survivor
		// statistics stay clean.
		rec.Killed = true
		rec.HarnessError = true
	}

	logging.MutationDebug("Mutant %s %s:%d %q->%q killed=%v harness_error=%v",
		rec.Operator, rec.File, rec.Line, rec.Original, rec.Mutated, rec.Killed, rec.HarnessError)
	return rec
}

func (r *Runner) operators() []types.MutationOperator {
	if len(r.cfg.Operators) == 0 {
		return []types.MutationOperator{types.OpArithmetic, types.OpComparison, types.OpBoolean, types.OpConstant}
	}
	ops := make([]types.MutationOperator, 0, len(r.cfg.Operators))
	for _, o := range r.cfg.Operators {
		ops = append(ops, types.MutationOperator(o))
	}
	return ops
}

// isTestFailure distinguishes a clean test failure (non-zero exit) from a
// harness-level crash (command never ran, or was killed by timeout).
func isTestFailure(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() > 0
}

// runShell executes a command via the local shell with the sandbox as the
// working directory.
func runShell(ctx context.Context, command string, workdir string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", command)
	}
	cmd.Dir = workdir

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	return string(out), err
}

// copyTree copies src into dst, skipping VCS metadata and the failsift state
// directory. Symlinks are skipped; mutant runs only need regular sources.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(path)
		if info.IsDir() && (base == ".git" || base == ".failsift" || base == "node_modules") {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
