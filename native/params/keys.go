package params

const (
	// ParamsKeyGlobal stores the collateralised-debt global parameters.
	ParamsKeyGlobal = "cdp/params/global"
	// ParamsKeyPauses stores the per-action pause configuration.
	ParamsKeyPauses = "cdp/params/pauses"
)

// ModuleName is the pause namespace checked by the position manager.
const ModuleName = "cdp"

// Action names accepted by IsPaused as "<ModuleName>.<action>".
const (
	ActionDeposit   = "deposit"
	ActionWithdraw  = "withdraw"
	ActionLiquidate = "liquidate"
)
