package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct{}

func (stubService) IssueCoupon(_ context.Context, req *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error) {
	return connect.NewResponse(&IssueCouponResponse{
		CouponID: req.Msg.CouponID,
		UserID:   req.Msg.UserID,
		Status:   "PENDING",
	}), nil
}

func (stubService) IssueCouponSync(context.Context, *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error) {
	return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("OUT_OF_STOCK"))
}

func (stubService) GetIssueStatus(_ context.Context, req *connect.Request[GetIssueStatusRequest]) (*connect.Response[GetIssueStatusResponse], error) {
	return connect.NewResponse(&GetIssueStatusResponse{UserID: req.Msg.UserID, CouponID: req.Msg.CouponID, Status: "ISSUED"}), nil
}

func (stubService) CreateCoupon(_ context.Context, req *connect.Request[CreateCouponRequest]) (*connect.Response[CreateCouponResponse], error) {
	return connect.NewResponse(&CreateCouponResponse{Coupon: &Coupon{ID: 1, Name: req.Msg.Name, TotalQuantity: req.Msg.TotalQuantity}}), nil
}

func (stubService) GetCoupon(context.Context, *connect.Request[GetCouponRequest]) (*connect.Response[GetCouponResponse], error) {
	return nil, connect.NewError(connect.CodeNotFound, errors.New("coupon not found"))
}

func newTestClient(t *testing.T) *CouponServiceClient {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle(NewCouponServiceHandler(stubService{}))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewCouponServiceClient(server.Client(), server.URL)
}

func TestCouponService_RoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	res, err := client.IssueCoupon(ctx, connect.NewRequest(&IssueCouponRequest{CouponID: 3, UserID: 9}))
	require.NoError(t, err)
	assert.Equal(t, IssueCouponResponse{CouponID: 3, UserID: 9, Status: "PENDING"}, *res.Msg)

	status, err := client.GetIssueStatus(ctx, connect.NewRequest(&GetIssueStatusRequest{UserID: 9, CouponID: 3}))
	require.NoError(t, err)
	assert.Equal(t, "ISSUED", status.Msg.Status)

	created, err := client.CreateCoupon(ctx, connect.NewRequest(&CreateCouponRequest{Name: "flash", TotalQuantity: 100}))
	require.NoError(t, err)
	assert.Equal(t, "flash", created.Msg.Coupon.Name)
	assert.Equal(t, int32(100), created.Msg.Coupon.TotalQuantity)
}

func TestCouponService_ErrorCodes(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.IssueCouponSync(ctx, connect.NewRequest(&IssueCouponRequest{CouponID: 3, UserID: 9}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))

	var connectErr *connect.Error
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, "OUT_OF_STOCK", connectErr.Message())

	_, err = client.GetCoupon(ctx, connect.NewRequest(&GetCouponRequest{CouponID: 1}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestJSONCodec(t *testing.T) {
	var codec JSONCodec
	assert.Equal(t, "json", codec.Name())

	data, err := codec.Marshal(&IssueCouponRequest{CouponID: 1, UserID: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"coupon_id":1,"user_id":2}`, string(data))

	var req IssueCouponRequest
	require.NoError(t, codec.Unmarshal(data, &req))
	assert.Equal(t, IssueCouponRequest{CouponID: 1, UserID: 2}, req)

	assert.Error(t, codec.Unmarshal([]byte("{"), &req))
}
