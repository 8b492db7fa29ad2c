package models

// DebateParticipantResponse is one model's raw+parsed response in a debate
// round (§4.6).
type DebateParticipantResponse struct {
	Model       string
	RawResponse string
	Parsed      *DecisionResponse
	Err         error
	LatencyMs   int
	TokensUsed  int
}

// DebateVote tallies votes for a (symbol, action) pair across participants.
type DebateVote struct {
	Symbol         string
	Action         ActionType
	Count          int
	TotalConfidence int
	AvgConfidence  float64
	Voters         []string
}

// DebateResult is the aggregated outcome of a multi-model debate (§4.6).
type DebateResult struct {
	ConsensusMode      ConsensusMode
	Decisions          []TradingDecision
	AgreementScore     float64
	Responses          []DebateParticipantResponse
	SuccessfulCount    int
	Invalid            bool
	InvalidReason      string
	ConsensusReasoning string
}
