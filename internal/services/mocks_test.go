package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tallyhq/backend/internal/provider"
)

type MockProviderAPI struct {
	mock.Mock
}

func (m *MockProviderAPI) VerifyKey(ctx context.Context, credential string) (*provider.ProviderAccount, error) {
	args := m.Called(ctx, credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.ProviderAccount), args.Error(1)
}

func (m *MockProviderAPI) FetchTransactions(ctx context.Context, credential string, opts provider.FetchOptions) ([]provider.RawTransaction, error) {
	args := m.Called(ctx, credential, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.RawTransaction), args.Error(1)
}

func (m *MockProviderAPI) FetchPayouts(ctx context.Context, credential string, opts provider.FetchOptions) ([]provider.RawPayout, error) {
	args := m.Called(ctx, credential, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.RawPayout), args.Error(1)
}
