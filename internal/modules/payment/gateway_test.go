package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/types"
)

func TestStubGateway_Charge(t *testing.T) {
	tests := []struct {
		method  string
		want    Status
		wantErr error
	}{
		{MethodCash, StatusSucceeded, nil},
		{MethodCard, StatusSucceeded, nil},
		{"", StatusSucceeded, nil},
		{MethodTransfer, StatusPending, nil},
		{"barter", "", types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			g := NewStubGateway()
			res, err := g.Charge(context.Background(), ChargeRequest{RideID: "r1", Amount: 10, Currency: "USD", Method: tt.method})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.NotEmpty(t, res.ExternalID)
		})
	}
}

func TestStubGateway_IdempotencyKeyReplays(t *testing.T) {
	g := NewStubGateway()
	req := ChargeRequest{RideID: "r1", Amount: 10, Method: MethodCard, IdempotencyKey: "ride:r1"}
	first, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStubGateway_Decline(t *testing.T) {
	g := NewStubGateway()
	g.Decline = true
	_, err := g.Charge(context.Background(), ChargeRequest{RideID: "r1", Amount: 10})
	require.ErrorIs(t, err, ErrDeclined)
}
