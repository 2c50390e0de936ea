package opa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/triptrack/internal/trip"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// MotionQuery is the rule every motion policy must define
const MotionQuery = "data.triptrack.motion.moving"

// Engine evaluates a rego motion policy. It implements trip.MotionCriterion.
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine loads and compiles every .rego file in policyDir
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA motion policy initialized")

	return e, nil
}

// loadPolicies parses all .rego files from the policy directory
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func prepare(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(MotionQuery))
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	return rego.New(opts...).PrepareForEval(context.Background())
}

// Reload re-reads the policy directory. On failure the previous policy stays
// in effect.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepare(modules)
	if err != nil {
		return fmt.Errorf("failed to prepare motion query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("OPA policies loaded")
	return nil
}

// Moving implements trip.MotionCriterion
func (e *Engine) Moving(ctx context.Context, in trip.MotionInput) (bool, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("motion query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Str("device_id", in.Position.DeviceID).Msg("Motion query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("motion query is undefined for device %s", in.Position.DeviceID)
	}

	moving, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("motion result is not a boolean: %T", results[0].Expressions[0].Value)
	}

	return moving, nil
}

func positionInput(p trip.Position) map[string]interface{} {
	in := map[string]interface{}{
		"id":         p.ID,
		"device_id":  p.DeviceID,
		"fix_time":   p.FixTime.UnixMilli(),
		"latitude":   p.Latitude,
		"longitude":  p.Longitude,
		"speed":      p.Speed,
		"attributes": p.Attributes,
	}
	if p.Odometer != nil {
		in["odometer"] = *p.Odometer
	}
	if p.Attributes == nil {
		in["attributes"] = map[string]interface{}{}
	}
	return in
}

func buildInput(in trip.MotionInput) map[string]interface{} {
	input := map[string]interface{}{
		"position":        positionInput(in.Position),
		"active":          in.Active,
		"speed_threshold": in.SpeedThreshold,
	}
	if in.Previous != nil {
		input["previous"] = positionInput(*in.Previous)
	}
	return input
}
