package modcache

// Canonical module keys used across the liquidation subsystem. Collaborator
// addresses are registered under these keys so every component resolves the
// same ledger instances.
const (
	KeyCollateralLedger = "collateral_ledger"
	KeyDebtLedger       = "debt_ledger"
	KeyPriceOracle      = "price_oracle"
	KeyAddressRegistry  = "address_registry"
)
