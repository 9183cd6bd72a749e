// Package mocks provides gomock implementations of the repository and broker ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), int64(1)).Return(job, nil)
package mocks

// MockJobRepository: Create, GetByID, GetSummary, ListByOwner, ListSummariesByOwner, Finalize, Delete, DeleteByOwner
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/kacperpap/air-pollution-tracker/internal/core JobRepository

// MockClient: Publish, DeclareReplyQueue, Consume, IsConnected, Close
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=broker_client_mock.go github.com/kacperpap/air-pollution-tracker/internal/broker Client
