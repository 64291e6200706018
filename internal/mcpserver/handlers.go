package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *LedgerClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *LedgerClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListBounties lists a beneficiary's bounties or the expired ones.
func (h *Handlers) HandleListBounties(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		raw json.RawMessage
		err error
	)
	if req.GetBool("expired", false) {
		raw, err = h.client.ListExpired(ctx)
	} else {
		raw, err = h.client.ListBounties(ctx, req.GetString("beneficiary", ""))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bounties: %v", err)), nil
	}

	text, err := formatBountyList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bounties: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetBounty returns a single bounty.
func (h *Handlers) HandleGetBounty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := bountyID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetBounty(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get bounty: %v", err)), nil
	}
	return bountyResult("", raw)
}

// HandleCreateBounty deposits into a new bounty.
func (h *Handlers) HandleCreateBounty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	reference := req.GetString("reference", "")
	if reference == "" {
		return mcp.NewToolResultError("reference is required"), nil
	}
	duration := req.GetString("duration", "24h")

	raw, err := h.client.CreateBounty(ctx, amount, reference, duration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create bounty: %v", err)), nil
	}
	return bountyResult("Bounty created.\n", raw)
}

// HandleGetAuthorizationDigest returns the digest an authorizer signs.
func (h *Handlers) HandleGetAuthorizationDigest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := bountyID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetDigest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get digest: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse digest: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Authorization digest for bounty %d:\n"+
			"  Digest: %s\n"+
			"  Submitter: %s\n"+
			"  Beneficiary: %s\n"+
			"  Scheme: %s\n\n"+
			"Ask an authorizer to sign the digest, then call submit_authorization.",
		id, getString(resp, "digest"), getString(resp, "submitter"),
		getString(resp, "beneficiary"), getString(resp, "scheme"))), nil
}

// HandleSubmitAuthorization attaches a signature.
func (h *Handlers) HandleSubmitAuthorization(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := bountyID(req)
	if errResult != nil {
		return errResult, nil
	}
	signature := req.GetString("signature", "")
	if signature == "" {
		return mcp.NewToolResultError("signature is required"), nil
	}

	raw, err := h.client.SubmitAuthorization(ctx, id, signature)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authorization rejected: %v", err)), nil
	}
	return bountyResult("Authorization accepted. The bounty can be claimed now.\n", raw)
}

// HandleClaimBounty claims a bounty.
func (h *Handlers) HandleClaimBounty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := bountyID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.ClaimBounty(ctx, id)
	var pf *PayoutFailedError
	switch {
	case errors.As(err, &pf):
		return bountyResult(
			"Bounty claimed, but the payout failed. It is recorded for the arbitrator to resolve manually.\n", raw)
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Claim failed: %v", err)), nil
	}
	return bountyResult("Bounty claimed. The net amount was paid out.\n", raw)
}

// HandleDisputeBounty freezes a bounty for arbitration.
func (h *Handlers) HandleDisputeBounty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := bountyID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.DisputeBounty(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return bountyResult("Bounty disputed. It stays frozen until the arbitrator resolves it.\n", raw)
}

// HandleCheckBalance returns the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetLedgerStats returns ledger totals.
func (h *Handlers) HandleGetLedgerStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func bountyID(req mcp.CallToolRequest) (uint64, *mcp.CallToolResult) {
	id := req.GetInt("bounty_id", 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError("bounty_id must be a positive integer")
	}
	return uint64(id), nil
}

func bountyResult(prefix string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Bounty map[string]any `json:"bounty"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Bounty == nil {
		return mcp.NewToolResultError(fmt.Sprintf("unexpected bounty response: %s", string(raw))), nil
	}
	return mcp.NewToolResultText(prefix + formatBounty(resp.Bounty)), nil
}

func formatBounty(b map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bounty #%s [%s]\n", getString(b, "id"), getString(b, "state"))
	fmt.Fprintf(&sb, "  Beneficiary: %s\n", getString(b, "beneficiary"))
	fmt.Fprintf(&sb, "  Net amount: %s (fee %s)\n", getString(b, "netAmount"), getString(b, "fee"))
	fmt.Fprintf(&sb, "  Reference: %s\n", getString(b, "reference"))
	fmt.Fprintf(&sb, "  Expires: %s\n", getString(b, "expiresAt"))
	if v := getString(b, "authorizedBy"); v != "" {
		fmt.Fprintf(&sb, "  Authorized by: %s\n", v)
	}
	if v := getString(b, "resolution"); v != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", v)
	}
	return sb.String()
}

func formatBountyList(raw json.RawMessage) (string, error) {
	var resp struct {
		Bounties []map[string]any `json:"bounties"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected bounties response format")
	}
	if len(resp.Bounties) == 0 {
		return "No bounties found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d bounty(ies):\n\n", len(resp.Bounties))
	for i, b := range resp.Bounties {
		sb.WriteString(formatBounty(b))
		if i < len(resp.Bounties)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Balance:\n")
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	if v := getString(bal, "escrowed"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Escrowed:  %s\n", v)
	}
	if v := getString(bal, "received"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Received:  %s\n", v)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
