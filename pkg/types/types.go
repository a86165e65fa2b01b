package types

// Ledger topics
const (
	TopicPolicies    = "policies"
	TopicDelegations = "delegations"
	TopicAudit       = "audit"
)

// Signing scheme identifiers
const (
	SchemeEd25519  = "ed25519"
	SchemeEthereum = "ethereum"
	SchemeAWSKMS   = "aws-kms"
	SchemeVault    = "vault"
)

// DefaultCurrency is used when a session or policy does not name one.
const DefaultCurrency = "USDC"

// DefaultAuthenticationHeader is checked by access-control policies that
// require authentication without naming a header.
const DefaultAuthenticationHeader = "Authorization"
