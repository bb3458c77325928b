package ledger

// DistributionABI is the ABI of the phased distribution and staking contract.
// Contributions are plain value transfers to the receive function.
const DistributionABI = `[
	{"type":"receive","stateMutability":"payable"},
	{"type":"function","name":"currentPhase","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"launchAnchor","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"phaseCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"firstPhaseDuration","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"phaseDuration","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"phaseAllocation","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"phaseTotal","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"contributionOf","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"hasMinted","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"eligibleTokens","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"contributors","stateMutability":"view","inputs":[{"name":"phase","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"launchTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"gracePeriod","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"earlyPenaltyMaxBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"latePenaltyBpsPerDay","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"latePenaltyMaxBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"minStakeDays","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxStakeDays","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"rewardSplitBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxBonusDays","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxStakeForBonus","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lpb","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"bpb","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"stakeCount","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"stakeLists","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"index","type":"uint256"}],"outputs":[
		{"name":"stakeId","type":"uint256"},
		{"name":"stakedAmount","type":"uint256"},
		{"name":"startDay","type":"uint256"},
		{"name":"stakedDays","type":"uint256"},
		{"name":"unlockedDay","type":"uint256"},
		{"name":"closed","type":"bool"}
	]},
	{"type":"function","name":"mintShare","stateMutability":"nonpayable","inputs":[{"name":"phase","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"stakeStart","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"stakedDays","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"stakeEnd","stateMutability":"nonpayable","inputs":[{"name":"index","type":"uint256"},{"name":"stakeId","type":"uint256"}],"outputs":[]}
]`

// TokenABI is the ERC-20 subset read for balances
const TokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// Call names used in read errors, health tracking and metrics
const (
	CallChainID         = "chainId"
	CallCode            = "getCode"
	CallBlockNumber     = "blockNumber"
	CallHeadTime        = "headTime"
	CallCurrentPhase    = "currentPhase"
	CallTotalSupply     = "totalSupply"
	CallScheduleConsts  = "scheduleConstants"
	CallStakingConsts   = "stakingConstants"
	CallPhaseAllocation = "phaseAllocation"
	CallPhaseTotal      = "phaseTotal"
	CallContributionOf  = "contributionOf"
	CallHasMinted       = "hasMinted"
	CallEligibleTokens  = "eligibleTokens"
	CallContributors    = "contributors"
	CallStakes          = "stakes"
	CallBalanceOf       = "balanceOf"
	CallDecimals        = "decimals"
	CallReceipt         = "transactionReceipt"
)
