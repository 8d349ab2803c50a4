package scanner

import (
	"context"
	"io"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
)

var _ Submitter = &MockSubmitter{}

type MockSubmitter struct {
	ScanMock func(ctx context.Context, filename string, content io.Reader) (datamodel.ScanResult, error)
}

func (m *MockSubmitter) Scan(ctx context.Context, filename string, content io.Reader) (datamodel.ScanResult, error) {
	if m.ScanMock != nil {
		return m.ScanMock(ctx, filename, content)
	}
	panic("Scan not implemented")
}

var _ Action = &MockAction{}

type MockAction struct {
	HandleMock func(ctx context.Context, report *datamodel.Report) error
}

func (m *MockAction) Handle(ctx context.Context, report *datamodel.Report) error {
	if m.HandleMock != nil {
		return m.HandleMock(ctx, report)
	}
	panic("Handle not implemented")
}
