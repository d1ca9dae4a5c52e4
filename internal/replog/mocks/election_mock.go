package mocks

import (
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	"replicated-log/internal/replog"
)

// MockElection is a testify mock of the replog.Election collaborator
type MockElection struct {
	mock.Mock

	mu          sync.Mutex
	steppedDown []replog.LogTerm
}

func (m *MockElection) CurrentTerm() replog.LogTerm {
	args := m.Called()
	return args.Get(0).(replog.LogTerm)
}

func (m *MockElection) IsLeader() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockElection) OnStepDown(newTerm replog.LogTerm) {
	m.Called(newTerm)

	m.mu.Lock()
	m.steppedDown = append(m.steppedDown, newTerm)
	m.mu.Unlock()
}

// SteppedDown returns the terms of completed OnStepDown calls, in call order
func (m *MockElection) SteppedDown() []replog.LogTerm {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.steppedDown)
}
