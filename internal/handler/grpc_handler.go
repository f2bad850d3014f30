package handler

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approvals/internal/identity"
	"github.com/pesio-ai/be-approvals/internal/rpc/approvalsv1"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	workflows *service.WorkflowService
	rules     *service.RuleEngine
	logger    zerolog.Logger
}

var _ approvalsv1.ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		workflows: svc.Workflows,
		rules:     svc.Rules,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// callerActor extracts the authenticated caller set by the identity interceptor.
func callerActor(ctx context.Context) service.Actor {
	c, _ := identity.FromContext(ctx)
	return service.Actor{ID: c.ActorID, Request: c.RequestMeta()}
}

func reply(v any) (*structpb.Struct, error) {
	out, err := approvalsv1.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// workflowRef is the request of the single-workflow methods.
type workflowRef struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

func decodeRef(in *structpb.Struct) (workflowRef, error) {
	var ref workflowRef
	if err := approvalsv1.Decode(in, &ref); err != nil {
		return ref, status.Error(codes.InvalidArgument, err.Error())
	}
	if ref.WorkflowID == "" {
		return ref, status.Error(codes.InvalidArgument, "workflow_id is required")
	}
	return ref, nil
}

// SubmitForApproval opens a workflow for a transaction
func (h *GRPCHandler) SubmitForApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var txn service.Transaction
	if err := approvalsv1.Decode(in, &txn); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.logger.Info().
		Str("transaction_id", txn.ID).
		Str("owner", txn.Owner).
		Msg("gRPC SubmitForApproval called")

	res, err := h.rules.SubmitForApproval(ctx, txn, callerActor(ctx))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to submit for approval")
		return nil, mapErrorToGRPC(err)
	}
	return reply(res)
}

// TakeAction records an approver decision as the caller
func (h *GRPCHandler) TakeAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.ActionRequest
	if err := approvalsv1.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	actor := callerActor(ctx)
	req.ActorID = actor.ID
	req.Request = actor.Request

	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("action", string(req.Action)).
		Str("actor_id", req.ActorID).
		Msg("gRPC TakeAction called")

	res, err := h.workflows.TakeAction(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to take action")
		return nil, mapErrorToGRPC(err)
	}
	return reply(res)
}

// CancelWorkflow cancels a pending workflow
func (h *GRPCHandler) CancelWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("workflow_id", ref.WorkflowID).Msg("gRPC CancelWorkflow called")

	res, err := h.workflows.CancelWorkflow(ctx, ref.WorkflowID, ref.Reason, callerActor(ctx))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to cancel workflow")
		return nil, mapErrorToGRPC(err)
	}
	return reply(res)
}

// BypassWorkflow approves a pending workflow without its remaining levels
func (h *GRPCHandler) BypassWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	h.logger.Warn().Str("workflow_id", ref.WorkflowID).Msg("gRPC BypassWorkflow called")

	res, err := h.workflows.BypassWorkflow(ctx, ref.WorkflowID, ref.Reason, callerActor(ctx))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to bypass workflow")
		return nil, mapErrorToGRPC(err)
	}
	return reply(res)
}

// GetWorkflowStatus returns a workflow with its actions
func (h *GRPCHandler) GetWorkflowStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}

	view, err := h.workflows.GetWorkflowStatus(ctx, ref.WorkflowID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(view)
}
