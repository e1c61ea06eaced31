// Package hostmock provides testify mocks of the host collaborators.
package hostmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/sectionmap"
)

type MockSymbolLoader struct {
	mock.Mock
}

func (m *MockSymbolLoader) AddSymbolFile(ctx context.Context, path string, sections sectionmap.Addresses) error {
	args := m.Called(ctx, path, sections)
	return args.Error(0)
}

// ExpectAnyLoad accepts any AddSymbolFile call and returns err.
func (m *MockSymbolLoader) ExpectAnyLoad(err error) *mock.Call {
	return m.On("AddSymbolFile", mock.Anything, mock.Anything, mock.Anything).Return(err)
}
