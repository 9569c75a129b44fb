// Package derived provides the derived-variable resolver: a pipeline
// source that computes output variables (wind speed, potential
// temperature, ...) from named input variables fetched from an upstream
// forecast data source. Each required input name may carry per-input
// overrides for level type and init/valid time offsets.
package derived

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// Request keys consumed by the resolver and its upstream sources.
const (
	KeyVariable  = "VARIABLE"
	KeyLevelType = "LEVELTYPE"
	KeyInitTime  = "INIT_TIME"
	KeyValidTime = "VALID_TIME"
)

// InputSource is a forecast data source that produces *grid.Grid items
// and can enumerate its contents.
type InputSource interface {
	pipeline.Source
	AvailableLevelTypes() []grid.LevelType
	AvailableVariables(lt grid.LevelType) []string
	AvailableInitTimes(lt grid.LevelType, variable string) []time.Time
	AvailableValidTimes(lt grid.LevelType, variable string, initTime time.Time) []time.Time
	AvailableEnsembleMembers(lt grid.LevelType, variable string) []int
}

// Processor computes one derived variable from its resolved inputs.
// Compute receives the input grids in the order of
// RequiredInputVariables, with nil entries for unavailable inputs, and
// fills the pre-allocated output grid. Implementations must tolerate nil
// inputs and write missing values instead of failing.
type Processor interface {
	StandardName() string
	RequiredInputVariables() []string
	Compute(inputs []*grid.Grid, out *grid.Grid)
}

// inputSpec is one parsed required-input string:
// "<std_name>[/<level_type>][/<init_offset_s>][/<valid_offset_s>]".
type inputSpec struct {
	stdName string

	levelType    grid.LevelType
	hasLevelType bool

	initOffset    time.Duration
	hasInitOffset bool

	validOffset    time.Duration
	hasValidOffset bool
}

// parseInputSpec splits a required-input string on "/". Unrecognized
// level-type tokens and unparseable offsets are skipped silently rather
// than substituting a wrong value.
func parseInputSpec(s string) inputSpec {
	parts := strings.Split(s, "/")
	spec := inputSpec{stdName: parts[0]}
	if len(parts) >= 2 {
		if lt, ok := grid.ParseLevelType(parts[1]); ok {
			spec.levelType = lt
			spec.hasLevelType = true
		}
	}
	if len(parts) >= 3 {
		if secs, err := strconv.Atoi(parts[2]); err == nil {
			spec.initOffset = time.Duration(secs) * time.Second
			spec.hasInitOffset = true
		}
	}
	if len(parts) == 4 {
		if secs, err := strconv.Atoi(parts[3]); err == nil {
			spec.validOffset = time.Duration(secs) * time.Second
			spec.hasValidOffset = true
		}
	}
	return spec
}

// changed reports whether any override applies.
func (s inputSpec) changed() bool {
	return s.hasLevelType || s.hasInitOffset || s.hasValidOffset
}

// apply resolves the ambient level type and times against the overrides.
func (s inputSpec) apply(lt grid.LevelType, initTime, validTime time.Time) (grid.LevelType, time.Time, time.Time) {
	if s.hasLevelType {
		lt = s.levelType
	}
	if s.hasInitOffset {
		initTime = initTime.Add(s.initOffset)
	}
	if s.hasValidOffset {
		validTime = validTime.Add(s.validOffset)
	}
	return lt, initTime, validTime
}

// Source resolves derived variables against an upstream input source.
type Source struct {
	*pipeline.Node
	input InputSource

	processors map[string]Processor
	// Maps CF standard names to the input source's variable names.
	// Unmapped names are used as-is.
	inputNames map[string]string
}

// NewSource creates a derived-variable source with the standard
// processor set registered. input is mandatory.
func NewSource(id string, cache *memcache.Manager, input InputSource) (*Source, error) {
	if input == nil {
		return nil, errors.New("derived: input source is required")
	}
	s := &Source{
		input:      input,
		processors: make(map[string]Processor),
		inputNames: make(map[string]string),
	}
	s.Node = pipeline.NewNode(id, cache, s)
	s.RegisterUpstream(input)
	for _, p := range standardProcessors() {
		s.Register(p)
	}
	return s, nil
}

// Register adds a processor; a later registration with the same standard
// name replaces the earlier one.
func (s *Source) Register(p Processor) { s.processors[p.StandardName()] = p }

// SetInputVariable maps a CF standard name to the variable name the
// input source uses for it.
func (s *Source) SetInputVariable(stdName, inputName string) {
	s.inputNames[stdName] = inputName
}

func (s *Source) inputVariableName(stdName string) string {
	if name, ok := s.inputNames[stdName]; ok {
		return name
	}
	return stdName
}

// LocalKeys implements pipeline.Producer. LEVELTYPE, INIT_TIME and
// VALID_TIME are read but deliberately not stripped: the upstream source
// consumes them too.
func (s *Source) LocalKeys() []string { return []string{KeyVariable} }

// ambient extracts the level type and times shared by all input fetches.
func (s *Source) ambient(r *request.Request) (lt grid.LevelType, initTime, validTime time.Time, err error) {
	var ok bool
	if lt, ok = grid.ParseLevelType(r.Value(KeyLevelType)); !ok {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("derived: bad %s %q", KeyLevelType, r.Value(KeyLevelType))
	}
	if initTime, ok = r.TimeValue(KeyInitTime); !ok {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("derived: bad %s %q", KeyInitTime, r.Value(KeyInitTime))
	}
	if validTime, ok = r.TimeValue(KeyValidTime); !ok {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("derived: bad %s %q", KeyValidTime, r.Value(KeyValidTime))
	}
	return lt, initTime, validTime, nil
}

// inputRequest builds the upstream fetch request for one resolved input.
func (s *Source) inputRequest(r *request.Request, spec inputSpec, lt grid.LevelType, initTime, validTime time.Time) *request.Request {
	up := r.Clone()
	up.Remove(KeyVariable)
	up.Insert(KeyVariable, s.inputVariableName(spec.stdName))
	up.Insert(KeyLevelType, lt.String())
	up.InsertTime(KeyInitTime, initTime)
	up.InsertTime(KeyValidTime, validTime)
	return up
}

// inputAvailable checks whether a time-shifted input exists upstream.
// Unshifted inputs are assumed available; if they are not, the upstream
// fetch itself reports the miss.
func (s *Source) inputAvailable(spec inputSpec, name string, lt grid.LevelType, initTime, validTime time.Time) bool {
	if !spec.changed() {
		return true
	}
	if !containsTime(s.input.AvailableInitTimes(lt, name), initTime) {
		return false
	}
	return containsTime(s.input.AvailableValidTimes(lt, name, initTime), validTime)
}

// Produce implements pipeline.Producer.
func (s *Source) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	derivedName := r.Value(KeyVariable)
	proc, ok := s.processors[derivedName]
	if !ok {
		return nil, fmt.Errorf("derived: no processor registered for %q", derivedName)
	}

	ambientLT, ambientInit, ambientValid, err := s.ambient(r)
	if err != nil {
		return nil, err
	}

	inputs := make([]*grid.Grid, 0, len(proc.RequiredInputVariables()))
	var held []*pipeline.Result
	defer func() {
		for _, res := range held {
			res.Release()
		}
	}()

	for _, required := range proc.RequiredInputVariables() {
		spec := parseInputSpec(required)
		lt, initTime, validTime := spec.apply(ambientLT, ambientInit, ambientValid)
		name := s.inputVariableName(spec.stdName)

		if !s.inputAvailable(spec, name, lt, initTime, validTime) {
			// A shifted input that does not exist upstream becomes a
			// null slot; the processor decides how to degrade.
			ctxlog.FromContext(ctx).Debug("input unavailable, passing null slot",
				"source", s.ID(), "input", required,
				"init_time", initTime, "valid_time", validTime)
			inputs = append(inputs, nil)
			continue
		}

		res, err := s.input.GetData(ctx, s.inputRequest(r, spec, lt, initTime, validTime))
		if err != nil {
			return nil, err
		}
		if res == nil {
			inputs = append(inputs, nil)
			continue
		}
		held = append(held, res)
		in, ok := res.Item().(*grid.Grid)
		if !ok {
			return nil, fmt.Errorf("derived: input source %q produced %T, want *grid.Grid",
				s.input.ID(), res.Item())
		}
		inputs = append(inputs, in)
	}

	if len(inputs) == 0 || inputs[0] == nil {
		// The first input shapes the result grid; without it there is
		// nothing to compute on.
		return nil, nil
	}

	out := grid.NewLike(inputs[0], inputs[0].LevelType())
	out.SetMetadata(inputs[0].InitTime(), inputs[0].ValidTime(),
		derivedName, inputs[0].EnsembleMember())
	proc.Compute(inputs, out)
	return out, nil
}

// TaskGraph implements pipeline.Producer. Input tasks mirror the fetches
// Produce will issue, including the availability-driven omissions.
func (s *Source) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	derivedName := r.Value(KeyVariable)
	proc, ok := s.processors[derivedName]
	if !ok {
		return nil, fmt.Errorf("derived: no processor registered for %q", derivedName)
	}

	ambientLT, ambientInit, ambientValid, err := s.ambient(r)
	if err != nil {
		return nil, err
	}

	task := pipeline.NewTask(s, r)
	for _, required := range proc.RequiredInputVariables() {
		spec := parseInputSpec(required)
		lt, initTime, validTime := spec.apply(ambientLT, ambientInit, ambientValid)
		name := s.inputVariableName(spec.stdName)
		if !s.inputAvailable(spec, name, lt, initTime, validTime) {
			continue
		}
		parent, err := s.input.GetTaskGraph(ctx, s.inputRequest(r, spec, lt, initTime, validTime))
		if err != nil {
			return nil, err
		}
		task.AddParent(parent)
	}
	return task, nil
}

// AvailableLevelTypes forwards the input source's level types.
func (s *Source) AvailableLevelTypes() []grid.LevelType {
	return s.input.AvailableLevelTypes()
}

// AvailableVariables lists the derived variables whose required inputs
// are all available from the input source at the given level type.
func (s *Source) AvailableVariables(lt grid.LevelType) []string {
	var available []string
	for derivedName, proc := range s.processors {
		ok := true
		for _, required := range proc.RequiredInputVariables() {
			spec := parseInputSpec(required)
			inLT := lt
			if spec.hasLevelType {
				inLT = spec.levelType
			}
			if !containsLevelType(s.input.AvailableLevelTypes(), inLT) ||
				!containsString(s.input.AvailableVariables(inLT), s.inputVariableName(spec.stdName)) {
				ok = false
				break
			}
		}
		if ok {
			available = append(available, derivedName)
		}
	}
	return available
}

// AvailableInitTimes intersects the init times of all required inputs of
// the derived variable; the derived field exists only where every input
// exists.
func (s *Source) AvailableInitTimes(lt grid.LevelType, variable string) []time.Time {
	proc, ok := s.processors[variable]
	if !ok {
		return nil
	}
	var times []time.Time
	for i, required := range proc.RequiredInputVariables() {
		spec := parseInputSpec(required)
		inLT := lt
		if spec.hasLevelType {
			inLT = spec.levelType
		}
		inputTimes := s.input.AvailableInitTimes(inLT, s.inputVariableName(spec.stdName))
		if i == 0 {
			times = inputTimes
		} else {
			times = intersectTimes(times, inputTimes)
		}
	}
	return times
}

// AvailableValidTimes intersects the valid times of all required inputs.
func (s *Source) AvailableValidTimes(lt grid.LevelType, variable string, initTime time.Time) []time.Time {
	proc, ok := s.processors[variable]
	if !ok {
		return nil
	}
	var times []time.Time
	for i, required := range proc.RequiredInputVariables() {
		spec := parseInputSpec(required)
		inLT := lt
		if spec.hasLevelType {
			inLT = spec.levelType
		}
		inputTimes := s.input.AvailableValidTimes(inLT, s.inputVariableName(spec.stdName), initTime)
		if i == 0 {
			times = inputTimes
		} else {
			times = intersectTimes(times, inputTimes)
		}
	}
	return times
}

// AvailableEnsembleMembers intersects the member sets of all required
// inputs.
func (s *Source) AvailableEnsembleMembers(lt grid.LevelType, variable string) []int {
	proc, ok := s.processors[variable]
	if !ok {
		return nil
	}
	var members []int
	for i, required := range proc.RequiredInputVariables() {
		spec := parseInputSpec(required)
		inLT := lt
		if spec.hasLevelType {
			inLT = spec.levelType
		}
		inputMembers := s.input.AvailableEnsembleMembers(inLT, s.inputVariableName(spec.stdName))
		if i == 0 {
			members = inputMembers
		} else {
			members = intersectInts(members, inputMembers)
		}
	}
	return members
}

func containsTime(ts []time.Time, t time.Time) bool {
	for _, x := range ts {
		if x.Equal(t) {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsLevelType(lts []grid.LevelType, lt grid.LevelType) bool {
	for _, x := range lts {
		if x == lt {
			return true
		}
	}
	return false
}

// intersectTimes keeps the entries of a that also occur in b, preserving
// a's order.
func intersectTimes(a, b []time.Time) []time.Time {
	var out []time.Time
	for _, t := range a {
		if containsTime(b, t) {
			out = append(out, t)
		}
	}
	return out
}

func intersectInts(a, b []int) []int {
	set := make(map[int]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var out []int
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	return out
}
