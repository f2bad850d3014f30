package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/rpc/approvalsv1"
)

// ApprovalsGRPCClient wraps the ApprovalService gRPC client for services
// that submit documents and act on their workflows.
type ApprovalsGRPCClient struct {
	client approvalsv1.ApprovalServiceClient
	conn   *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{
		client: approvalsv1.NewApprovalServiceClient(conn),
		conn:   conn,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// AsActor returns a context whose outgoing calls identify as actorID. Used by
// trusted callers when no bearer token is being forwarded.
func AsActor(ctx context.Context, actorID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-actor-id", actorID)
}

// SubmitRequest is a document submitted for approval.
type SubmitRequest struct {
	TransactionID string  `json:"transaction_id"`
	Owner         string  `json:"owner"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	DocumentType  *string `json:"document_type,omitempty"`
	RiskCategory  *string `json:"risk_category,omitempty"`
}

// SubmitResponse reports whether approval is needed and the opened workflow.
type SubmitResponse struct {
	RequiresApproval bool                         `json:"requires_approval"`
	Workflow         *repository.ApprovalWorkflow `json:"workflow,omitempty"`
}

// ActionRequest is an approver decision. The acting user is taken from the
// call's identity, never from the message.
type ActionRequest struct {
	WorkflowID       string                `json:"workflow_id"`
	Action           repository.ActionType `json:"action"`
	RoleID           string                `json:"role_id,omitempty"`
	Comments         string                `json:"comments,omitempty"`
	RequestedChanges *string               `json:"requested_changes,omitempty"`
	ChangePriority   *string               `json:"change_priority,omitempty"`
	DelegateTo       string                `json:"delegate_to,omitempty"`
	DelegationReason string                `json:"delegation_reason,omitempty"`
	DelegationStart  *time.Time            `json:"delegation_start,omitempty"`
	DelegationEnd    *time.Time            `json:"delegation_end,omitempty"`
	DelegationCap    *int64                `json:"delegation_cap,omitempty"`
	ExpectedLevel    int                   `json:"expected_level,omitempty"`
}

// ActionResponse is the committed outcome of a workflow mutation.
type ActionResponse struct {
	Workflow *repository.ApprovalWorkflow `json:"workflow"`
	Action   *repository.ApprovalAction   `json:"action,omitempty"`
	Warnings []string                     `json:"warnings,omitempty"`
}

// WorkflowStatus is a workflow with its decisions so far.
type WorkflowStatus struct {
	Workflow     *repository.ApprovalWorkflow `json:"workflow"`
	Actions      []*repository.ApprovalAction `json:"actions"`
	PendingRoles []string                     `json:"pending_roles"`
}

type workflowRef struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

type rpcMethod func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func invoke(ctx context.Context, method rpcMethod, req, resp any) error {
	in, err := approvalsv1.Encode(req)
	if err != nil {
		return err
	}
	out, err := method(ctx, in)
	if err != nil {
		return err
	}
	return approvalsv1.Decode(out, resp)
}

// SubmitForApproval opens a workflow for a document, or reports that none
// is needed.
func (c *ApprovalsGRPCClient) SubmitForApproval(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := invoke(ctx, c.client.SubmitForApproval, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TakeAction records an approve, reject, request-changes or delegate decision.
func (c *ApprovalsGRPCClient) TakeAction(ctx context.Context, req ActionRequest) (*ActionResponse, error) {
	var resp ActionResponse
	if err := invoke(ctx, c.client.TakeAction, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelWorkflow cancels a pending workflow.
func (c *ApprovalsGRPCClient) CancelWorkflow(ctx context.Context, workflowID, reason string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := invoke(ctx, c.client.CancelWorkflow, workflowRef{WorkflowID: workflowID, Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BypassWorkflow approves a pending workflow without its remaining levels.
func (c *ApprovalsGRPCClient) BypassWorkflow(ctx context.Context, workflowID, reason string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := invoke(ctx, c.client.BypassWorkflow, workflowRef{WorkflowID: workflowID, Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWorkflowStatus returns the workflow, or nil if none exists.
func (c *ApprovalsGRPCClient) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var resp WorkflowStatus
	err := invoke(ctx, c.client.GetWorkflowStatus, workflowRef{WorkflowID: workflowID}, &resp)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}
