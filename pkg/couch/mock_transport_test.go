package couch

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Do(ctx context.Context, req *Request) (model.Value, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.Value), args.Error(1)
}

func (m *MockTransport) DoRaw(ctx context.Context, req *Request) ([]byte, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func jsonValue(s string) model.Value {
	v, err := model.Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func isReq(method, path string) interface{} {
	return mock.MatchedBy(func(r *Request) bool {
		return r.Method == method && r.Path == path
	})
}

func doc(kv ...interface{}) *model.Object {
	o, err := model.ObjectOf(kv...)
	if err != nil {
		panic(err)
	}
	return o
}
