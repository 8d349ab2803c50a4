package proxy

import "net/http"

var _ Doer = &MockDoer{}

type MockDoer struct {
	DoMock func(req *http.Request) (*http.Response, error)
}

func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	if m.DoMock != nil {
		return m.DoMock(req)
	}
	panic("Do not implemented")
}
