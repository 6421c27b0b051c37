package domain

// Scenario ID constants. The registered set lives in the scenario engine;
// these are the initial shocks every deployment carries.
const (
	ScenarioBase           = "BASE"
	ScenarioRatesParallel1 = "RATES_PARALLEL_1BP"
	ScenarioSpread25       = "SPREAD_25BP"
	ScenarioFXSpot1Pct     = "FX_SPOT_1PCT"
)
