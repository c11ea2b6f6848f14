package server

import (
	"context"
	"encoding/hex"

	"CdpLedger/internal/event"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "cdpledger.v1.CdpLedger"

// --- Messages ---

// CommandResponse is the core's answer to a write. Rejected commands are
// returned as status errors instead; they still consume a sequence.
type CommandResponse struct {
	Sequence  int64              `json:"sequence"`
	EventType string             `json:"event_type,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
	StateHash string             `json:"state_hash,omitempty"`
	Notices   []event.Notice     `json:"notices,omitempty"`
	Status    event.SystemStatus `json:"status"`
}

// SubmitCommandRequest carries any command type, including the oracle and
// operator commands that have no dedicated method.
type SubmitCommandRequest struct {
	EventType string            `json:"event_type"`
	Command   ingestion.Command `json:"command"`
}

type GetCdpRequest struct {
	CdpID string `json:"cdp_id"`
}

type GetSystemStatusRequest struct{}

type ListSortedCdpsRequest struct {
	After string `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type GetInsertHintRequest struct {
	CollShares string `json:"coll_shares"`
	Debt       string `json:"debt"`
}

type GetWalletRequest struct {
	Owner string `json:"owner"`
}

type ListLiquidationsRequest struct {
	Owner  string `json:"owner"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationRecord `json:"liquidations"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Taken bool `json:"taken"`
}

type ReconcileProjectionsRequest struct{}

type ReconcileProjectionsResponse struct{}

type VerifyIntegrityRequest struct{}

// --- Service ---

// Snapshotter takes an on-demand snapshot. *persistence.Snapshotter
// satisfies it.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (bool, error)
}

// Service implements cdpledger.v1.CdpLedger. The gRPC methods and the HTTP
// routes both call it.
type Service struct {
	ingest    *ingestion.GRPCIngestService
	query     *query.QueryService
	snapshots Snapshotter
	reconcile func(ctx context.Context) error
}

func NewService(ingest *ingestion.GRPCIngestService, qs *query.QueryService, snapshots Snapshotter, reconcile func(ctx context.Context) error) *Service {
	return &Service{ingest: ingest, query: qs, snapshots: snapshots, reconcile: reconcile}
}

func (s *Service) submit(ctx context.Context, et event.EventType, cmd *ingestion.Command) (*CommandResponse, error) {
	res, err := s.ingest.Submit(ctx, et, *cmd)
	if err != nil {
		return nil, toStatus(err, codes.InvalidArgument)
	}
	if res.Duplicate() {
		return &CommandResponse{Duplicate: true}, nil
	}
	if res.Err != nil {
		return nil, toStatus(res.Err, codes.InvalidArgument)
	}
	env := res.Output.Envelope
	return &CommandResponse{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		StateHash: hex.EncodeToString(env.StateHash[:]),
		Notices:   res.Output.Notices,
		Status:    res.Output.Status,
	}, nil
}

func (s *Service) OpenCdp(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeOpenCdp, cmd)
}

func (s *Service) AdjustCdp(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeAdjustCdp, cmd)
}

func (s *Service) CloseCdp(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeCloseCdp, cmd)
}

func (s *Service) Liquidate(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeLiquidate, cmd)
}

func (s *Service) LiquidateBatch(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeLiquidateBatch, cmd)
}

func (s *Service) LiquidateSequentially(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeLiquidateSequentially, cmd)
}

func (s *Service) Redeem(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeRedeemCollateral, cmd)
}

func (s *Service) ClaimSurplus(ctx context.Context, cmd *ingestion.Command) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeClaimSurplus, cmd)
}

func (s *Service) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*CommandResponse, error) {
	et, ok := event.ParseEventType(req.EventType)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type %q", req.EventType)
	}
	return s.submit(ctx, et, &req.Command)
}

func (s *Service) GetCdp(ctx context.Context, req *GetCdpRequest) (*query.CdpResponse, error) {
	id, err := parseID("cdp_id", req.CdpID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetCdp(ctx, id)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &resp, nil
}

func (s *Service) GetSystemStatus(ctx context.Context, _ *GetSystemStatusRequest) (*query.SystemStatusResponse, error) {
	resp, err := s.query.GetSystemStatus(ctx)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &resp, nil
}

func (s *Service) ListSortedCdps(ctx context.Context, req *ListSortedCdpsRequest) (*query.SortedCdpsPage, error) {
	after := uuid.Nil
	if req.After != "" {
		id, err := parseID("after", req.After)
		if err != nil {
			return nil, err
		}
		after = id
	}
	page, err := s.query.ListSortedCdps(ctx, after, req.Limit)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &page, nil
}

func (s *Service) GetInsertHint(ctx context.Context, req *GetInsertHintRequest) (*query.InsertHintResponse, error) {
	resp, err := s.query.GetInsertHint(ctx, req.CollShares, req.Debt)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &resp, nil
}

func (s *Service) GetWallet(ctx context.Context, req *GetWalletRequest) (*query.WalletResponse, error) {
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetWallet(ctx, owner)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &resp, nil
}

func (s *Service) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (*ListLiquidationsResponse, error) {
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	records, err := s.query.ListLiquidations(ctx, owner, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &ListLiquidationsResponse{Liquidations: records}, nil
}

// --- Admin ---

func (s *Service) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	taken, err := s.snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &TakeSnapshotResponse{Taken: taken}, nil
}

func (s *Service) ReconcileProjections(ctx context.Context, _ *ReconcileProjectionsRequest) (*ReconcileProjectionsResponse, error) {
	if s.reconcile == nil {
		return nil, status.Error(codes.Unimplemented, "read model not configured")
	}
	if err := s.reconcile(ctx); err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &ReconcileProjectionsResponse{}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return report, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// --- Service descriptor ---

// unary adapts a typed method to grpc.MethodHandler.
func unary[Req, Resp any](method string, call func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// serviceDesc is what protoc would generate for cdpledger/v1/cdpledger.proto,
// written by hand because messages travel as JSON.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenCdp", (*Service).OpenCdp),
		unary("AdjustCdp", (*Service).AdjustCdp),
		unary("CloseCdp", (*Service).CloseCdp),
		unary("Liquidate", (*Service).Liquidate),
		unary("LiquidateBatch", (*Service).LiquidateBatch),
		unary("LiquidateSequentially", (*Service).LiquidateSequentially),
		unary("Redeem", (*Service).Redeem),
		unary("ClaimSurplus", (*Service).ClaimSurplus),
		unary("SubmitCommand", (*Service).SubmitCommand),
		unary("GetCdp", (*Service).GetCdp),
		unary("GetSystemStatus", (*Service).GetSystemStatus),
		unary("ListSortedCdps", (*Service).ListSortedCdps),
		unary("GetInsertHint", (*Service).GetInsertHint),
		unary("GetWallet", (*Service).GetWallet),
		unary("ListLiquidations", (*Service).ListLiquidations),
		unary("TakeSnapshot", (*Service).TakeSnapshot),
		unary("ReconcileProjections", (*Service).ReconcileProjections),
		unary("VerifyIntegrity", (*Service).VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdpledger/v1/cdpledger.proto",
}

// FullMethod returns the gRPC method path for clients, e.g.
// "/cdpledger.v1.CdpLedger/GetCdp".
func FullMethod(method string) string { return "/" + serviceName + "/" + method }
