package world

// MaxTaxBps caps every tax knob; a basis-point value can never exceed 100%.
const MaxTaxBps = 10_000

// GameplayPolicy holds the tunable economic constants. All values are
// validated/clamped on load and when patched through UpdatePolicy.
type GameplayPolicy struct {
	MoveCostPerKm     int64 `json:"move_cost_per_km" yaml:"move_cost_per_km" cbor:"move_cost_per_km"`
	ElectricityTaxBps int64 `json:"electricity_tax_bps" yaml:"electricity_tax_bps" cbor:"electricity_tax_bps"`
	PowerTradeFeeBps  int64 `json:"power_trade_fee_bps" yaml:"power_trade_fee_bps" cbor:"power_trade_fee_bps"`
	DataTaxBps        int64 `json:"data_tax_bps" yaml:"data_tax_bps" cbor:"data_tax_bps"`

	MineElectricityPerKg   int64 `json:"mine_electricity_per_kg" yaml:"mine_electricity_per_kg" cbor:"mine_electricity_per_kg"`
	RefineElectricityPerKg int64 `json:"refine_electricity_per_kg" yaml:"refine_electricity_per_kg" cbor:"refine_electricity_per_kg"`
	RefineGramsPerHardware int64 `json:"refine_grams_per_hardware" yaml:"refine_grams_per_hardware" cbor:"refine_grams_per_hardware"`
	FactoryHardwareCost    int64 `json:"factory_hardware_cost" yaml:"factory_hardware_cost" cbor:"factory_hardware_cost"`
	RecipeElectricityCost  int64 `json:"recipe_electricity_cost" yaml:"recipe_electricity_cost" cbor:"recipe_electricity_cost"`
	RecipeHardwareOutput   int64 `json:"recipe_hardware_output" yaml:"recipe_hardware_output" cbor:"recipe_hardware_output"`

	InitialRadiation int64 `json:"initial_radiation" yaml:"initial_radiation" cbor:"initial_radiation"`

	VisibilityRangeCm int64 `json:"visibility_range_cm" yaml:"visibility_range_cm" cbor:"visibility_range_cm"`
	ChunkSizeCm       int64 `json:"chunk_size_cm" yaml:"chunk_size_cm" cbor:"chunk_size_cm"`

	ContractPairCooldown uint64 `json:"contract_pair_cooldown" yaml:"contract_pair_cooldown" cbor:"contract_pair_cooldown"`

	RewardWindow          uint64 `json:"reward_window" yaml:"reward_window" cbor:"reward_window"`
	RewardBudgetPerWindow int64  `json:"reward_budget_per_window" yaml:"reward_budget_per_window" cbor:"reward_budget_per_window"`

	GovernanceApprovals int64 `json:"governance_approvals" yaml:"governance_approvals" cbor:"governance_approvals"`

	PowerPerCredit  int64 `json:"power_per_credit" yaml:"power_per_credit" cbor:"power_per_credit"`
	PointsPerCredit int64 `json:"points_per_credit" yaml:"points_per_credit" cbor:"points_per_credit"`
}

func DefaultGameplayPolicy() GameplayPolicy {
	return GameplayPolicy{
		MoveCostPerKm:          10,
		ElectricityTaxBps:      100,
		PowerTradeFeeBps:       50,
		DataTaxBps:             200,
		MineElectricityPerKg:   2,
		RefineElectricityPerKg: 5,
		RefineGramsPerHardware: 1_000,
		FactoryHardwareCost:    50,
		RecipeElectricityCost:  10,
		RecipeHardwareOutput:   5,
		InitialRadiation:       10_000,
		VisibilityRangeCm:      500_000,
		ChunkSizeCm:            1_000_000,
		ContractPairCooldown:   10,
		RewardWindow:           100,
		RewardBudgetPerWindow:  10,
		GovernanceApprovals:    2,
		PowerPerCredit:         10,
		PointsPerCredit:        100,
	}
}

func clampBps(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > MaxTaxBps {
		return MaxTaxBps
	}
	return v
}

// Normalize clamps tax fields and fills zero-valued knobs with defaults.
func (p *GameplayPolicy) Normalize() {
	def := DefaultGameplayPolicy()
	p.ElectricityTaxBps = clampBps(p.ElectricityTaxBps)
	p.PowerTradeFeeBps = clampBps(p.PowerTradeFeeBps)
	p.DataTaxBps = clampBps(p.DataTaxBps)
	if p.MoveCostPerKm <= 0 {
		p.MoveCostPerKm = def.MoveCostPerKm
	}
	if p.MineElectricityPerKg <= 0 {
		p.MineElectricityPerKg = def.MineElectricityPerKg
	}
	if p.RefineElectricityPerKg <= 0 {
		p.RefineElectricityPerKg = def.RefineElectricityPerKg
	}
	if p.RefineGramsPerHardware <= 0 {
		p.RefineGramsPerHardware = def.RefineGramsPerHardware
	}
	if p.FactoryHardwareCost <= 0 {
		p.FactoryHardwareCost = def.FactoryHardwareCost
	}
	if p.RecipeElectricityCost <= 0 {
		p.RecipeElectricityCost = def.RecipeElectricityCost
	}
	if p.RecipeHardwareOutput <= 0 {
		p.RecipeHardwareOutput = def.RecipeHardwareOutput
	}
	if p.InitialRadiation < 0 {
		p.InitialRadiation = def.InitialRadiation
	}
	if p.VisibilityRangeCm <= 0 {
		p.VisibilityRangeCm = def.VisibilityRangeCm
	}
	if p.ChunkSizeCm <= 0 {
		p.ChunkSizeCm = def.ChunkSizeCm
	}
	if p.ContractPairCooldown == 0 {
		p.ContractPairCooldown = def.ContractPairCooldown
	}
	if p.RewardWindow == 0 {
		p.RewardWindow = def.RewardWindow
	}
	if p.RewardBudgetPerWindow <= 0 {
		p.RewardBudgetPerWindow = def.RewardBudgetPerWindow
	}
	if p.GovernanceApprovals <= 0 {
		p.GovernanceApprovals = def.GovernanceApprovals
	}
	if p.PowerPerCredit <= 0 {
		p.PowerPerCredit = def.PowerPerCredit
	}
	if p.PointsPerCredit <= 0 {
		p.PointsPerCredit = def.PointsPerCredit
	}
}

// taxBpsFor returns the settlement tax for a resource kind in basis points.
func (p GameplayPolicy) taxBpsFor(kind ResourceKind) int64 {
	switch kind {
	case ResourceElectricity:
		return clampBps(p.ElectricityTaxBps + p.PowerTradeFeeBps)
	case ResourceData:
		return clampBps(p.DataTaxBps)
	default:
		return 0
	}
}
