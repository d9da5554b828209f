package config

// Oracle tunes the TWAP oracle. Durations are seconds.
type Oracle struct {
	DisputeBufferSeconds   uint64
	WindowSeconds          uint64
	SampleStepSeconds      uint64
	RefreshIntervalSeconds uint64
	StaleAfterSeconds      uint64
}

// Loans captures protocol wide loan limits.
type Loans struct {
	MinBorrowDurationSeconds uint64
	MaxBorrowDurationSeconds uint64
	GracePeriodSeconds       uint64
}

// RateModel shapes the kinked borrow rate curve. All values are basis points.
type RateModel struct {
	BaseRatePerDayBPS uint64
	Slope1BPS         uint64
	Slope2BPS         uint64
	KinkBPS           uint64
}

// Pauses lists modules that start paused.
type Pauses struct {
	Lending bool
}

// Token describes one listed asset. Amount bounds are whole-token decimal
// strings scaled by Decimals when applied.
type Token struct {
	Address               string
	Symbol                string
	Decimals              uint8
	Borrowable            bool
	Collateral            bool
	LTVBPS                uint64
	LiquidationPenaltyBPS uint64
	MinBorrow             string
	MaxBorrow             string
	FeedBase              string
	FeedQuote             string
}

// Protocol bundles the parameters applied to a fresh engine at startup.
type Protocol struct {
	Oracle    Oracle    `toml:"oracle"`
	Loans     Loans     `toml:"loans"`
	RateModel RateModel `toml:"rate_model"`
	Pauses    Pauses    `toml:"pauses"`
	Tokens    []Token   `toml:"tokens"`
}
