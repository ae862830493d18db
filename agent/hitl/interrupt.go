package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/reproflow/workflow"
)

// ErrInterruptNotFound 中断记录不存在.
var ErrInterruptNotFound = errors.New("interrupt not found")

// InterruptStatus 代表中断状态.
type InterruptStatus string

const (
	InterruptStatusPending  InterruptStatus = "pending"
	InterruptStatusResolved InterruptStatus = "resolved"
	// InterruptStatusForced 第三次校验失败后被强制接受
	InterruptStatusForced   InterruptStatus = "forced"
	InterruptStatusTimeout  InterruptStatus = "timeout"
	InterruptStatusCanceled InterruptStatus = "canceled"
)

// Interrupt 记录一次人工升级（从挂起到恢复）的完整过程.
type Interrupt struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	StageID   string           `json:"stage_id,omitempty"`
	Trigger   workflow.Trigger `json:"trigger"`
	Status    InterruptStatus  `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Questions []string         `json:"questions"`
	// Answers 以原始问题为键
	Answers      map[string]string `json:"answers,omitempty"`
	Attempts     int               `json:"attempts"`
	Caveat       string            `json:"caveat,omitempty"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

func (i *Interrupt) clone() *Interrupt {
	out := *i
	out.Questions = append([]string(nil), i.Questions...)
	if i.Answers != nil {
		out.Answers = make(map[string]string, len(i.Answers))
		for k, v := range i.Answers {
			out.Answers[k] = v
		}
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func (i *Interrupt) resolve(status InterruptStatus) {
	now := time.Now()
	i.Status = status
	i.ResolvedAt = &now
}

// InterruptStore 定义了中断的存储接口.
type InterruptStore interface {
	Save(ctx context.Context, interrupt *Interrupt) error
	Load(ctx context.Context, interruptID string) (*Interrupt, error)
	List(ctx context.Context, runID string, status InterruptStatus) ([]*Interrupt, error)
	Update(ctx context.Context, interrupt *Interrupt) error
}

func generateInterruptID() string {
	return "int_" + uuid.NewString()
}

// InMemoryInterruptStore 在内存中保存中断记录.
type InMemoryInterruptStore struct {
	interrupts map[string]*Interrupt
	mu         sync.RWMutex
}

// NewInMemoryInterruptStore 创建内存中断存储.
func NewInMemoryInterruptStore() *InMemoryInterruptStore {
	return &InMemoryInterruptStore{
		interrupts: make(map[string]*Interrupt),
	}
}

func (s *InMemoryInterruptStore) Save(ctx context.Context, interrupt *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[interrupt.ID] = interrupt.clone()
	return nil
}

func (s *InMemoryInterruptStore) Load(ctx context.Context, interruptID string) (*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	interrupt, ok := s.interrupts[interruptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInterruptNotFound, interruptID)
	}
	return interrupt.clone(), nil
}

// List 按创建时间排序返回；runID 或 status 为空表示不过滤.
func (s *InMemoryInterruptStore) List(ctx context.Context, runID string, status InterruptStatus) ([]*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Interrupt
	for _, interrupt := range s.interrupts {
		if (runID == "" || interrupt.RunID == runID) &&
			(status == "" || interrupt.Status == status) {
			results = append(results, interrupt.clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (s *InMemoryInterruptStore) Update(ctx context.Context, interrupt *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interrupts[interrupt.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrInterruptNotFound, interrupt.ID)
	}
	s.interrupts[interrupt.ID] = interrupt.clone()
	return nil
}
