// Package trajectory holds the trajectory data model and the selection
// filter sources that operate on it. A filter never copies vertex data;
// it produces a Selection that indexes into the full vertex field of a
// Trajectories item, so chained filters stay cheap.
package trajectory

import (
	"time"

	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// Vertex is one trajectory position: longitude and latitude in degrees,
// pressure in hPa. Pressure values <= 0 mark missing vertices.
type Vertex struct {
	Lon      float64
	Lat      float64
	Pressure float64
}

// Stride is the start-grid subsampling stride in lon/lat/lev direction.
// It is (1,1,1) unless a thin-out filter has been applied.
type Stride struct {
	Lon, Lat, Lev int
}

// UnitStride is the stride of an unthinned selection.
var UnitStride = Stride{Lon: 1, Lat: 1, Lev: 1}

// Selection defines a subset of a trajectory dataset. Index i of the
// selection maps to StartIndices()[i], the start offset of the selected
// trajectory in the full vertex field, and IndexCounts()[i], the number
// of its vertices. The producing filter writes the selection through the
// setters and then shrinks it to the dense prefix of valid entries;
// afterwards it is treated as read-only.
type Selection struct {
	refersTo     *request.Request
	startIndices []int32
	indexCounts  []int32
	times        []time.Time
	stride       Stride
}

// NewSelection allocates a selection with capacity for numTrajectories
// entries. refersTo names the request of the full dataset the indices
// refer to.
func NewSelection(refersTo *request.Request, numTrajectories int, times []time.Time, stride Stride) *Selection {
	return &Selection{
		refersTo:     refersTo.Clone(),
		startIndices: make([]int32, numTrajectories),
		indexCounts:  make([]int32, numTrajectories),
		times:        times,
		stride:       stride,
	}
}

// RefersTo returns the request of the full trajectory dataset this
// selection indexes into.
func (s *Selection) RefersTo() *request.Request { return s.refersTo }

// NumTrajectories returns the number of selected trajectories.
func (s *Selection) NumTrajectories() int { return len(s.startIndices) }

// StartIndices returns the per-trajectory start offsets into the full
// vertex field.
func (s *Selection) StartIndices() []int32 { return s.startIndices }

// IndexCounts returns the per-trajectory vertex counts.
func (s *Selection) IndexCounts() []int32 { return s.indexCounts }

// Times returns the timestep values shared by all trajectories.
func (s *Selection) Times() []time.Time { return s.times }

// NumTimeSteps returns the number of timesteps per trajectory in the
// full dataset. A selected trajectory's index count may be smaller.
func (s *Selection) NumTimeSteps() int { return len(s.times) }

// StartGridStride returns the start-grid subsampling stride.
func (s *Selection) StartGridStride() Stride { return s.stride }

// SetEntry stores one selected trajectory at position i.
func (s *Selection) SetEntry(i int, startIndex, indexCount int32) {
	s.startIndices[i] = startIndex
	s.indexCounts[i] = indexCount
}

// SetStartGridStride overrides the stride. Only thin-out filters do this.
func (s *Selection) SetStartGridStride(stride Stride) { s.stride = stride }

// DecreaseNumSelected shrinks the selection to its first n entries after
// filtering has produced a dense prefix of valid entries. n must not
// exceed the allocated capacity.
func (s *Selection) DecreaseNumSelected(n int) {
	s.startIndices = s.startIndices[:n]
	s.indexCounts = s.indexCounts[:n]
}

// MemorySizeKB implements memcache.Item.
func (s *Selection) MemorySizeKB() int64 {
	kb := int64(len(s.startIndices)+len(s.indexCounts)) * 4 / 1024
	if kb == 0 {
		kb = 1
	}
	return kb
}

// FloatPerTrajectory supplements each trajectory of a dataset with a
// single float value (one per trajectory, not per vertex).
type FloatPerTrajectory struct {
	refersTo *request.Request
	values   []float32
}

// NewFloatPerTrajectory allocates a supplement for numTrajectories
// trajectories of the dataset identified by refersTo.
func NewFloatPerTrajectory(refersTo *request.Request, numTrajectories int) *FloatPerTrajectory {
	return &FloatPerTrajectory{
		refersTo: refersTo.Clone(),
		values:   make([]float32, numTrajectories),
	}
}

// RefersTo returns the request of the supplemented dataset.
func (f *FloatPerTrajectory) RefersTo() *request.Request { return f.refersTo }

// Values returns the per-trajectory values.
func (f *FloatPerTrajectory) Values() []float32 { return f.values }

// SetValue stores the value for trajectory i.
func (f *FloatPerTrajectory) SetValue(i int, v float32) { f.values[i] = v }

// MemorySizeKB implements memcache.Item.
func (f *FloatPerTrajectory) MemorySizeKB() int64 {
	kb := int64(len(f.values)) * 4 / 1024
	if kb == 0 {
		kb = 1
	}
	return kb
}

// Trajectories stores the trajectories of a single ensemble member at a
// single timestep: a flat vertex field of numTrajectories * numTimeSteps
// positions plus the identity selection over it.
type Trajectories struct {
	Selection

	vertices  []Vertex
	startGrid *grid.Grid

	initTime  time.Time
	validTime time.Time
	name      string
	member    int
}

// NewTrajectories allocates storage for numTrajectories trajectories,
// each with one vertex per entry of times. The embedded selection
// initially selects every trajectory in full.
func NewTrajectories(numTrajectories int, times []time.Time) *Trajectories {
	t := &Trajectories{
		Selection: Selection{
			refersTo:     request.New(),
			startIndices: make([]int32, numTrajectories),
			indexCounts:  make([]int32, numTrajectories),
			times:        times,
			stride:       UnitStride,
		},
		vertices: make([]Vertex, numTrajectories*len(times)),
	}
	for i := 0; i < numTrajectories; i++ {
		t.startIndices[i] = int32(i * len(times))
		t.indexCounts[i] = int32(len(times))
	}
	return t
}

// SetGeneratingRequest records the request under which this item was
// produced; selections derived from it refer back to this request.
func (t *Trajectories) SetGeneratingRequest(r *request.Request) { t.refersTo = r.Clone() }

// SetMetadata records forecast metadata.
func (t *Trajectories) SetMetadata(initTime, validTime time.Time, name string, member int) {
	t.initTime = initTime
	t.validTime = validTime
	t.name = name
	t.member = member
}

// InitTime returns the forecast initialization time.
func (t *Trajectories) InitTime() time.Time { return t.initTime }

// ValidTime returns the trajectory start time.
func (t *Trajectories) ValidTime() time.Time { return t.validTime }

// EnsembleMember returns the ensemble member index.
func (t *Trajectories) EnsembleMember() int { return t.member }

// Vertices returns the flat vertex field, trajectory-major.
func (t *Trajectories) Vertices() []Vertex { return t.vertices }

// SetVertex stores the vertex of trajectory i at timestep step.
func (t *Trajectories) SetVertex(i, step int, v Vertex) {
	t.vertices[i*t.NumTimeSteps()+step] = v
}

// Vertex returns the vertex of trajectory i at timestep step.
func (t *Trajectories) Vertex(i, step int) Vertex {
	return t.vertices[i*t.NumTimeSteps()+step]
}

// TimeStepLength returns the length of a single timestep, or zero for
// datasets with fewer than two timesteps.
func (t *Trajectories) TimeStepLength() time.Duration {
	if len(t.times) < 2 {
		return 0
	}
	return t.times[1].Sub(t.times[0])
}

// SetStartGrid attaches the geometry of the grid the trajectories were
// started on (used by the thin-out filter).
func (t *Trajectories) SetStartGrid(g *grid.Grid) { t.startGrid = g }

// StartGrid returns the start grid geometry, or nil.
func (t *Trajectories) StartGrid() *grid.Grid { return t.startGrid }

// MemorySizeKB implements memcache.Item.
func (t *Trajectories) MemorySizeKB() int64 {
	kb := int64(len(t.vertices))*24/1024 + t.Selection.MemorySizeKB()
	if kb == 0 {
		kb = 1
	}
	return kb
}

// SelectionView is the read side of a selection. Both *Selection and
// *Trajectories (which selects itself in full) satisfy it; filters accept
// either as input.
type SelectionView interface {
	RefersTo() *request.Request
	NumTrajectories() int
	StartIndices() []int32
	IndexCounts() []int32
	Times() []time.Time
	NumTimeSteps() int
	StartGridStride() Stride
}

// Availability is implemented by trajectory dataset sources that can
// enumerate their contents without producing data.
type Availability interface {
	AvailableInitTimes() []time.Time
	AvailableValidTimes(initTime time.Time) []time.Time
	AvailableEnsembleMembers() []int
}

// DataSource is a pipeline source producing Trajectories items.
type DataSource interface {
	pipeline.Source
	Availability
}
