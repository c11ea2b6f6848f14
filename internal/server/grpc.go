package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves the CdpLedger service over gRPC and, through a
// grpc-gateway mux, over HTTP/JSON.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	svc           *Service
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, svc *Service, healthChecker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		svc:           svc,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: healthChecker,
		logger:        logger.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// StartGRPC serves until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the HTTP routes. Health endpoints sit beside the gateway
// mux.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux, err := NewGatewayMux(s.svc)
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// ============================================================================
// HTTP gateway routes
// ============================================================================

var gatewayMarshaler = &runtime.JSONBuiltin{}

// NewGatewayMux maps REST routes onto the service. Errors pass through
// runtime.HTTPError, so gRPC codes become the matching HTTP statuses.
func NewGatewayMux(svc *Service) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		// Writes
		{"POST", "/v1/cdps", command(mux, svc.OpenCdp, "")},
		{"POST", "/v1/cdps/{cdp_id}/adjust", command(mux, svc.AdjustCdp, "cdp_id")},
		{"POST", "/v1/cdps/{cdp_id}/close", command(mux, svc.CloseCdp, "cdp_id")},
		{"POST", "/v1/cdps/{cdp_id}/liquidate", command(mux, svc.Liquidate, "cdp_id")},
		{"POST", "/v1/liquidations/batch", command(mux, svc.LiquidateBatch, "")},
		{"POST", "/v1/liquidations/sequential", command(mux, svc.LiquidateSequentially, "")},
		{"POST", "/v1/redemptions", command(mux, svc.Redeem, "")},
		{"POST", "/v1/surplus/claim", command(mux, svc.ClaimSurplus, "")},
		{"POST", "/v1/commands/{event_type}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			req := SubmitCommandRequest{EventType: params["event_type"]}
			if !decodeBody(mux, w, r, &req.Command) {
				return
			}
			respond[CommandResponse](mux, w, r)(svc.SubmitCommand(r.Context(), &req))
		}},

		// Reads
		{"GET", "/v1/cdps/{cdp_id}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			respond[query.CdpResponse](mux, w, r)(svc.GetCdp(r.Context(), &GetCdpRequest{CdpID: params["cdp_id"]}))
		}},
		{"GET", "/v1/cdps", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			q := r.URL.Query()
			limit, err := intParam(q.Get("limit"))
			if err != nil {
				runtime.HTTPError(r.Context(), mux, gatewayMarshaler, w, r, err)
				return
			}
			respond[query.SortedCdpsPage](mux, w, r)(svc.ListSortedCdps(r.Context(), &ListSortedCdpsRequest{After: q.Get("after"), Limit: limit}))
		}},
		{"GET", "/v1/system", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond[query.SystemStatusResponse](mux, w, r)(svc.GetSystemStatus(r.Context(), &GetSystemStatusRequest{}))
		}},
		{"GET", "/v1/hints", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			q := r.URL.Query()
			respond[query.InsertHintResponse](mux, w, r)(svc.GetInsertHint(r.Context(), &GetInsertHintRequest{CollShares: q.Get("coll_shares"), Debt: q.Get("debt")}))
		}},
		{"GET", "/v1/wallets/{owner}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			respond[query.WalletResponse](mux, w, r)(svc.GetWallet(r.Context(), &GetWalletRequest{Owner: params["owner"]}))
		}},
		{"GET", "/v1/wallets/{owner}/liquidations", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			q := r.URL.Query()
			limit, err := intParam(q.Get("limit"))
			if err != nil {
				runtime.HTTPError(r.Context(), mux, gatewayMarshaler, w, r, err)
				return
			}
			before, err := intParam(q.Get("before"))
			if err != nil {
				runtime.HTTPError(r.Context(), mux, gatewayMarshaler, w, r, err)
				return
			}
			req := &ListLiquidationsRequest{Owner: params["owner"], Limit: limit, Before: int64(before)}
			respond[ListLiquidationsResponse](mux, w, r)(svc.ListLiquidations(r.Context(), req))
		}},

		// Admin
		{"POST", "/v1/admin/snapshot", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond[TakeSnapshotResponse](mux, w, r)(svc.TakeSnapshot(r.Context(), &TakeSnapshotRequest{}))
		}},
		{"POST", "/v1/admin/projections/reconcile", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond[ReconcileProjectionsResponse](mux, w, r)(svc.ReconcileProjections(r.Context(), &ReconcileProjectionsRequest{}))
		}},
		{"GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond[query.IntegrityReport](mux, w, r)(svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{}))
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// command decodes a Command body and submits it. idParam, when set, names
// a path parameter copied into the command's cdp_id.
func command(mux *runtime.ServeMux, call func(context.Context, *ingestion.Command) (*CommandResponse, error), idParam string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var cmd ingestion.Command
		if !decodeBody(mux, w, r, &cmd) {
			return
		}
		if idParam != "" {
			cmd.CdpID = params[idParam]
		}
		respond[CommandResponse](mux, w, r)(call(r.Context(), &cmd))
	}
}

func decodeBody(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		runtime.HTTPError(r.Context(), mux, gatewayMarshaler, w, r,
			status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return false
	}
	return true
}

// respond writes either the response or the error. It is curried so call
// sites can pass a (resp, err) pair straight through.
func respond[T any](mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request) func(*T, error) {
	return func(resp *T, err error) {
		if err != nil {
			runtime.HTTPError(r.Context(), mux, gatewayMarshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", gatewayMarshaler.ContentType(resp))
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", s)
	}
	return n, nil
}
