package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of progress.Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) SetPhase(name string) {
	m.Called(name)
}

func (m *MockSink) SetProgress(fraction float64) {
	m.Called(fraction)
}

func (m *MockSink) Complete(text string) {
	m.Called(text)
}
