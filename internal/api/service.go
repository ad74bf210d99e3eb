package api

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// CouponServiceName is the fully-qualified name of the CouponService service.
const CouponServiceName = "coupon.v1.CouponService"

// Procedure names of CouponService.
const (
	CouponServiceIssueCouponProcedure     = "/coupon.v1.CouponService/IssueCoupon"
	CouponServiceIssueCouponSyncProcedure = "/coupon.v1.CouponService/IssueCouponSync"
	CouponServiceGetIssueStatusProcedure  = "/coupon.v1.CouponService/GetIssueStatus"
	CouponServiceCreateCouponProcedure    = "/coupon.v1.CouponService/CreateCoupon"
	CouponServiceGetCouponProcedure       = "/coupon.v1.CouponService/GetCoupon"
)

// CouponServiceHandler is implemented by the coupon service
type CouponServiceHandler interface {
	// IssueCoupon admits the request into the batch pipeline.
	IssueCoupon(context.Context, *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error)
	// IssueCouponSync issues under distributed locks and answers with the final decision.
	IssueCouponSync(context.Context, *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error)
	GetIssueStatus(context.Context, *connect.Request[GetIssueStatusRequest]) (*connect.Response[GetIssueStatusResponse], error)
	CreateCoupon(context.Context, *connect.Request[CreateCouponRequest]) (*connect.Response[CreateCouponResponse], error)
	GetCoupon(context.Context, *connect.Request[GetCouponRequest]) (*connect.Response[GetCouponResponse], error)
}

// NewCouponServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewCouponServiceHandler(svc CouponServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	issueCoupon := connect.NewUnaryHandler(CouponServiceIssueCouponProcedure, svc.IssueCoupon, opts...)
	issueCouponSync := connect.NewUnaryHandler(CouponServiceIssueCouponSyncProcedure, svc.IssueCouponSync, opts...)
	getIssueStatus := connect.NewUnaryHandler(CouponServiceGetIssueStatusProcedure, svc.GetIssueStatus, opts...)
	createCoupon := connect.NewUnaryHandler(CouponServiceCreateCouponProcedure, svc.CreateCoupon, opts...)
	getCoupon := connect.NewUnaryHandler(CouponServiceGetCouponProcedure, svc.GetCoupon, opts...)

	return "/" + CouponServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case CouponServiceIssueCouponProcedure:
			issueCoupon.ServeHTTP(w, r)
		case CouponServiceIssueCouponSyncProcedure:
			issueCouponSync.ServeHTTP(w, r)
		case CouponServiceGetIssueStatusProcedure:
			getIssueStatus.ServeHTTP(w, r)
		case CouponServiceCreateCouponProcedure:
			createCoupon.ServeHTTP(w, r)
		case CouponServiceGetCouponProcedure:
			getCoupon.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// CouponServiceClient is a client for CouponService
type CouponServiceClient struct {
	issueCoupon     *connect.Client[IssueCouponRequest, IssueCouponResponse]
	issueCouponSync *connect.Client[IssueCouponRequest, IssueCouponResponse]
	getIssueStatus  *connect.Client[GetIssueStatusRequest, GetIssueStatusResponse]
	createCoupon    *connect.Client[CreateCouponRequest, CreateCouponResponse]
	getCoupon       *connect.Client[GetCouponRequest, GetCouponResponse]
}

// NewCouponServiceClient constructs a client for CouponService. baseURL is
// the scheme and host of the server, e.g. http://localhost:8080.
func NewCouponServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *CouponServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)

	return &CouponServiceClient{
		issueCoupon: connect.NewClient[IssueCouponRequest, IssueCouponResponse](
			httpClient, baseURL+CouponServiceIssueCouponProcedure, opts...),
		issueCouponSync: connect.NewClient[IssueCouponRequest, IssueCouponResponse](
			httpClient, baseURL+CouponServiceIssueCouponSyncProcedure, opts...),
		getIssueStatus: connect.NewClient[GetIssueStatusRequest, GetIssueStatusResponse](
			httpClient, baseURL+CouponServiceGetIssueStatusProcedure, opts...),
		createCoupon: connect.NewClient[CreateCouponRequest, CreateCouponResponse](
			httpClient, baseURL+CouponServiceCreateCouponProcedure, opts...),
		getCoupon: connect.NewClient[GetCouponRequest, GetCouponResponse](
			httpClient, baseURL+CouponServiceGetCouponProcedure, opts...),
	}
}

func (c *CouponServiceClient) IssueCoupon(ctx context.Context, req *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error) {
	return c.issueCoupon.CallUnary(ctx, req)
}

func (c *CouponServiceClient) IssueCouponSync(ctx context.Context, req *connect.Request[IssueCouponRequest]) (*connect.Response[IssueCouponResponse], error) {
	return c.issueCouponSync.CallUnary(ctx, req)
}

func (c *CouponServiceClient) GetIssueStatus(ctx context.Context, req *connect.Request[GetIssueStatusRequest]) (*connect.Response[GetIssueStatusResponse], error) {
	return c.getIssueStatus.CallUnary(ctx, req)
}

func (c *CouponServiceClient) CreateCoupon(ctx context.Context, req *connect.Request[CreateCouponRequest]) (*connect.Response[CreateCouponResponse], error) {
	return c.createCoupon.CallUnary(ctx, req)
}

func (c *CouponServiceClient) GetCoupon(ctx context.Context, req *connect.Request[GetCouponRequest]) (*connect.Response[GetCouponResponse], error) {
	return c.getCoupon.CallUnary(ctx, req)
}
