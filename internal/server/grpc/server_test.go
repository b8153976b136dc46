package grpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Additional-Code/cellar/pkg/errorbank"
)

func TestToStatus(t *testing.T) {
	testCases := map[string]struct {
		err          error
		expectedCode codes.Code
	}{
		"should map not found":                  {err: errorbank.NotFound("order not found"), expectedCode: codes.NotFound},
		"should map a slug conflict":            {err: errorbank.Conflict("taken"), expectedCode: codes.AlreadyExists},
		"should map an invalid target":          {err: errorbank.InvalidTarget("no such selection"), expectedCode: codes.FailedPrecondition},
		"should map an unavailable store":       {err: errorbank.Unavailable("timeout"), expectedCode: codes.Unavailable},
		"should keep status errors":             {err: status.Error(codes.Canceled, "gone"), expectedCode: codes.Canceled},
		"should treat other errors as internal": {err: errors.New("boom"), expectedCode: codes.Internal},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			st, ok := status.FromError(toStatus(tc.err))
			assert.True(t, ok)
			assert.Equal(t, tc.expectedCode, st.Code())
		})
	}

	assert.NoError(t, toStatus(nil))
}
