package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the bounty ledger MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListBounties = mcp.NewTool("list_bounties",
	mcp.WithDescription(
		"List bounties held in escrow. By default lists the bounties you are the beneficiary of. "+
			"Set expired to true to list every bounty whose window has passed without a claim."),
	mcp.WithString("beneficiary",
		mcp.Description("Beneficiary address to list (defaults to your own address)")),
	mcp.WithBoolean("expired",
		mcp.Description("List expired, unclaimed bounties instead of a beneficiary's bounties")),
)

var ToolGetBounty = mcp.NewTool("get_bounty",
	mcp.WithDescription(
		"Get one bounty: net amount, fee, state (open/authorized/expired/disputed/claimed), "+
			"expiry time and resolution."),
	mcp.WithNumber("bounty_id",
		mcp.Required(),
		mcp.Description("Numeric bounty id")),
)

var ToolCreateBounty = mcp.NewTool("create_bounty",
	mcp.WithDescription(
		"Deposit tokens into escrow against a report reference. "+
			"A 5% fee is deducted; you become the beneficiary of the net amount. "+
			"The deposit is taken from your balance."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Deposit in tokens (e.g. '0.01')")),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("Opaque reference to the finding, e.g. an IPFS URI or report id")),
	mcp.WithString("duration",
		mcp.Description("Claim window as a Go duration (e.g. '24h'). Defaults to '24h'.")),
)

var ToolGetAuthorizationDigest = mcp.NewTool("get_authorization_digest",
	mcp.WithDescription(
		"Get the digest an authorizer must sign (EIP-191) so you can claim a bounty before it expires. "+
			"Send the digest to the authorizer, then use submit_authorization with the signature."),
	mcp.WithNumber("bounty_id",
		mcp.Required(),
		mcp.Description("Numeric bounty id")),
)

var ToolSubmitAuthorization = mcp.NewTool("submit_authorization",
	mcp.WithDescription(
		"Attach an authorizer's signature to a bounty, unlocking an early claim. "+
			"Each signature can only be used once."),
	mcp.WithNumber("bounty_id",
		mcp.Required(),
		mcp.Description("Numeric bounty id")),
	mcp.WithString("signature",
		mcp.Required(),
		mcp.Description("65-byte signature as 0x-prefixed hex")),
)

var ToolClaimBounty = mcp.NewTool("claim_bounty",
	mcp.WithDescription(
		"Claim a bounty you are the beneficiary of. Works once it is authorized or expired. "+
			"The net amount is paid out to you."),
	mcp.WithNumber("bounty_id",
		mcp.Required(),
		mcp.Description("Numeric bounty id")),
)

var ToolDisputeBounty = mcp.NewTool("dispute_bounty",
	mcp.WithDescription(
		"Dispute a bounty you are the beneficiary of. It is frozen until the arbitrator "+
			"awards it to you or to the treasury."),
	mcp.WithNumber("bounty_id",
		mcp.Required(),
		mcp.Description("Numeric bounty id")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your internal token balance: available funds, amount escrowed in bounties, "+
			"and payouts received."),
)

var ToolGetLedgerStats = mcp.NewTool("get_ledger_stats",
	mcp.WithDescription(
		"Get ledger-wide totals: bounty counts by state, tokens held, uncollected fees and parameters."),
)
