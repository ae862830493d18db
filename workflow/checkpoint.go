package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/types"
)

// Checkpoint is an immutable snapshot of a run taken at a suspension point.
type Checkpoint struct {
	Name      string         `json:"name"`
	RunID     string         `json:"run_id"`
	Trigger   Trigger        `json:"trigger,omitempty"`
	Label     string         `json:"label"`
	Sequence  int            `json:"sequence"`
	CreatedAt time.Time      `json:"created_at"`
	State     *WorkflowState `json:"state"`
}

// Handle returns the handle addressing this checkpoint.
func (c *Checkpoint) Handle() Handle {
	return Handle{RunID: c.RunID, Name: c.Name}
}

// Handle addresses a checkpoint within a store.
type Handle struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`
}

// String renders the handle as "<run_id>/<name>".
func (h Handle) String() string {
	return h.RunID + "/" + h.Name
}

// ParseHandle parses the String form of a Handle.
func ParseHandle(s string) (Handle, error) {
	runID, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || runID == "" || name == "" || strings.Contains(name, "/") {
		return Handle{}, types.Errorf(types.ErrCheckpointNotFound, "malformed checkpoint handle %q", s)
	}
	return Handle{RunID: runID, Name: name}, nil
}

// CheckpointStore persists checkpoints. Implementations must be safe for
// concurrent use and must return ErrCheckpointNotFound (possibly wrapped)
// for missing entries.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID, name string) (*Checkpoint, error)
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)
	// List returns the run's checkpoints ordered by Sequence
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, runID, name string) error
}

// CheckpointName builds the base name "<trigger>_<label>". Both parts are
// lower-cased and reduced to [a-z0-9_-]; an unset trigger renders as "none".
func CheckpointName(trigger Trigger, label string) string {
	t := sanitizeName(string(trigger))
	if t == "" {
		t = "none"
	}
	l := sanitizeName(label)
	if l == "" {
		l = "checkpoint"
	}
	return t + "_" + l
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// Manager saves and restores workflow snapshots.
type Manager struct {
	store  CheckpointStore
	logger *zap.Logger
	mu     sync.Mutex
}

// NewManager creates a checkpoint manager over store.
func NewManager(store CheckpointStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryCheckpointStore()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "checkpoint_manager")),
	}
}

// Store returns the underlying store.
func (m *Manager) Store() CheckpointStore { return m.store }

// Save snapshots state under "<trigger>_<label>". When the run already holds
// a checkpoint of that name a numeric suffix (_2, _3, ...) is appended, so a
// given sequence of saves always yields the same names.
func (m *Manager) Save(ctx context.Context, state *WorkflowState, label string) (Handle, error) {
	if state == nil {
		return Handle{}, ErrNoState
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.List(ctx, state.RunID)
	if err != nil {
		return Handle{}, fmt.Errorf("list checkpoints: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	seq := 0
	for _, cp := range existing {
		taken[cp.Name] = true
		if cp.Sequence > seq {
			seq = cp.Sequence
		}
	}

	base := CheckpointName(state.AskUserTrigger, label)
	name := base
	for i := 2; taken[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}

	handle := Handle{RunID: state.RunID, Name: name}
	snapshot := state.Clone()
	snapshot.LastCheckpoint = handle.String()

	cp := &Checkpoint{
		Name:      name,
		RunID:     state.RunID,
		Trigger:   state.AskUserTrigger,
		Label:     label,
		Sequence:  seq + 1,
		CreatedAt: time.Now(),
		State:     snapshot,
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return Handle{}, fmt.Errorf("save checkpoint %s: %w", handle, err)
	}
	state.LastCheckpoint = handle.String()

	m.logger.Info("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.String("name", cp.Name),
		zap.Int("sequence", cp.Sequence),
		zap.String("trigger", string(cp.Trigger)),
	)
	return handle, nil
}

// Load restores the state stored under handle.
func (m *Manager) Load(ctx context.Context, handle Handle) (*WorkflowState, error) {
	cp, err := m.store.Load(ctx, handle.RunID, handle.Name)
	if err != nil {
		return nil, err
	}
	return m.restore(cp)
}

// LoadLatest restores the most recent checkpoint of a run.
func (m *Manager) LoadLatest(ctx context.Context, runID string) (*WorkflowState, Handle, error) {
	cp, err := m.store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, Handle{}, err
	}
	state, err := m.restore(cp)
	if err != nil {
		return nil, Handle{}, err
	}
	return state, cp.Handle(), nil
}

// List returns the run's checkpoints in save order.
func (m *Manager) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	return m.store.List(ctx, runID)
}

func (m *Manager) restore(cp *Checkpoint) (*WorkflowState, error) {
	if err := VerifyCheckpoint(cp); err != nil {
		return nil, err
	}
	state := cp.State.Clone()
	if state.UserResponses == nil {
		state.UserResponses = make(map[string]string)
	}
	m.logger.Info("checkpoint loaded",
		zap.String("run_id", cp.RunID),
		zap.String("name", cp.Name),
		zap.String("current_stage_id", state.CurrentStageID),
		zap.Bool("awaiting_user_input", state.AwaitingUserInput),
	)
	return state, nil
}

// VerifyCheckpoint checks that a snapshot can drive the scheduler again.
func VerifyCheckpoint(cp *Checkpoint) error {
	if cp == nil || cp.State == nil {
		return types.NewError(types.ErrCheckpointCorrupt, "checkpoint has no state")
	}
	if cp.State.RunID != cp.RunID {
		return types.Errorf(types.ErrCheckpointCorrupt, "checkpoint run %q holds state of run %q", cp.RunID, cp.State.RunID)
	}
	if cp.State.Plan != nil {
		if cp.State.Progress == nil || !cp.State.Progress.Matches(cp.State.Plan) {
			return types.Errorf(types.ErrCheckpointCorrupt, "checkpoint %s: progress does not mirror plan", cp.Name)
		}
	}
	return nil
}

// InMemoryCheckpointStore keeps checkpoints in process memory.
type InMemoryCheckpointStore struct {
	runs map[string]map[string]*Checkpoint
	mu   sync.RWMutex
}

// NewInMemoryCheckpointStore creates an empty in-memory store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{runs: make(map[string]map[string]*Checkpoint)}
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[cp.RunID]
	if !ok {
		run = make(map[string]*Checkpoint)
		s.runs[cp.RunID] = run
	}
	run[cp.Name] = copyCheckpoint(cp)
	return nil
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, runID, name string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.runs[runID][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrCheckpointNotFound, runID, name)
	}
	return copyCheckpoint(cp), nil
}

func (s *InMemoryCheckpointStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, cp := range s.runs[runID] {
		if latest == nil || cp.Sequence > latest.Sequence {
			latest = cp
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no checkpoints for run %s", ErrCheckpointNotFound, runID)
	}
	return copyCheckpoint(latest), nil
}

func (s *InMemoryCheckpointStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.runs[runID]))
	for _, cp := range s.runs[runID] {
		out = append(out, copyCheckpoint(cp))
	}
	SortCheckpoints(out)
	return out, nil
}

func (s *InMemoryCheckpointStore) Delete(ctx context.Context, runID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs[runID], name)
	return nil
}

// SortCheckpoints orders checkpoints by Sequence, then name.
func SortCheckpoints(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Sequence != cps[j].Sequence {
			return cps[i].Sequence < cps[j].Sequence
		}
		return cps[i].Name < cps[j].Name
	})
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = cp.State.Clone()
	return &out
}
