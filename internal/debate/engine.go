// Package debate fans identical prompts out to multiple AIClients and
// aggregates their decisions into a consensus (§4.6).
package debate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/internal/decision"
	"github.com/tradingrun/agentrun/pkg/models"
)

// DefaultTimeout bounds how long a single participant may take.
const DefaultTimeout = 120 * time.Second

// Config parameterizes one debate run (§4.6).
type Config struct {
	ConsensusMode   models.ConsensusMode
	MinParticipants int
	Timeout         time.Duration
}

// Engine coordinates a multi-model debate.
type Engine struct {
	parser *decision.Parser
}

// NewEngine builds a debate Engine backed by a decision Parser for
// per-participant response parsing.
func NewEngine(risk models.RiskControls) *Engine {
	return &Engine{parser: decision.NewParser(risk)}
}

// Run fans (systemPrompt, userPrompt) out to every client, parses each
// response independently, and aggregates via cfg.ConsensusMode.
func (e *Engine) Run(ctx context.Context, clients map[string]aiclient.AIClient, systemPrompt, userPrompt string, cfg Config) (*models.DebateResult, error) {
	if len(clients) < 2 {
		return nil, fmt.Errorf("debate: at least 2 participants required, got %d", len(clients))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	responses := e.generateParallel(ctx, clients, systemPrompt, userPrompt, cfg.Timeout)

	successful := make([]models.DebateParticipantResponse, 0, len(responses))
	failed := 0
	for _, r := range responses {
		if r.Err == nil {
			successful = append(successful, r)
		} else {
			failed++
		}
	}

	if len(successful) < cfg.MinParticipants {
		return &models.DebateResult{
			ConsensusMode:      cfg.ConsensusMode,
			Responses:          responses,
			SuccessfulCount:    len(successful),
			Invalid:            true,
			InvalidReason:      "not enough successful model responses",
			ConsensusReasoning: "debate failed: not enough successful model responses",
		}, nil
	}

	votes := aggregateVotes(successful)
	agreement := calculateAgreement(successful)
	finalDecisions, reasoning := applyConsensus(successful, votes, cfg.ConsensusMode)

	return &models.DebateResult{
		ConsensusMode:      cfg.ConsensusMode,
		Decisions:          finalDecisions,
		AgreementScore:     agreement,
		Responses:          responses,
		SuccessfulCount:    len(successful),
		ConsensusReasoning: reasoning,
	}, nil
}

func (e *Engine) generateParallel(ctx context.Context, clients map[string]aiclient.AIClient, systemPrompt, userPrompt string, timeout time.Duration) []models.DebateParticipantResponse {
	type indexed struct {
		idx int
		r   models.DebateParticipantResponse
	}

	results := make(chan indexed, len(clients))
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		go func(idx int, name string, client aiclient.AIClient) {
			results <- indexed{idx: idx, r: e.generateSingle(ctx, name, client, systemPrompt, userPrompt, timeout)}
		}(i, name, clients[name])
	}

	out := make([]models.DebateParticipantResponse, len(names))
	for range names {
		res := <-results
		out[res.idx] = res.r
	}
	return out
}

func (e *Engine) generateSingle(ctx context.Context, name string, client aiclient.AIClient, systemPrompt, userPrompt string, timeout time.Duration) models.DebateParticipantResponse {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completion, err := client.Complete(cctx, systemPrompt, userPrompt)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return models.DebateParticipantResponse{Model: name, LatencyMs: latency, Err: fmt.Errorf("debate: %s: %w", name, err)}
	}

	parsed, err := e.parser.Parse(completion.Content)
	if err != nil {
		return models.DebateParticipantResponse{
			Model:       name,
			RawResponse: completion.Content,
			LatencyMs:   latency,
			TokensUsed:  completion.TokensUsed,
			Err:         fmt.Errorf("debate: %s: parse response: %w", name, err),
		}
	}

	return models.DebateParticipantResponse{
		Model:       name,
		RawResponse: completion.Content,
		Parsed:      parsed,
		LatencyMs:   latency,
		TokensUsed:  completion.TokensUsed,
	}
}

// aggregateVotes groups decisions by (symbol, action) across participants.
func aggregateVotes(participants []models.DebateParticipantResponse) []models.DebateVote {
	type key struct {
		symbol string
		action models.ActionType
	}
	voteMap := make(map[key]*models.DebateVote)

	for _, p := range participants {
		if p.Parsed == nil {
			continue
		}
		for _, d := range p.Parsed.Decisions {
			k := key{d.Symbol, d.Action}
			v, ok := voteMap[k]
			if !ok {
				v = &models.DebateVote{Symbol: d.Symbol, Action: d.Action}
				voteMap[k] = v
			}
			v.Count++
			v.TotalConfidence += d.Confidence
			v.Voters = append(v.Voters, p.Model)
		}
	}

	votes := make([]models.DebateVote, 0, len(voteMap))
	for _, v := range voteMap {
		if v.Count > 0 {
			v.AvgConfidence = float64(v.TotalConfidence) / float64(v.Count)
		}
		votes = append(votes, *v)
	}

	sort.Slice(votes, func(i, j int) bool {
		if votes[i].Count != votes[j].Count {
			return votes[i].Count > votes[j].Count
		}
		return votes[i].AvgConfidence > votes[j].AvgConfidence
	})
	return votes
}

// calculateAgreement is the mean pairwise Jaccard similarity of participants'
// non-hold/wait (symbol, action) vote sets.
func calculateAgreement(participants []models.DebateParticipantResponse) float64 {
	if len(participants) < 2 {
		return 1.0
	}

	type pair struct {
		symbol string
		action models.ActionType
	}
	sets := make([]map[pair]bool, len(participants))
	for i, p := range participants {
		s := make(map[pair]bool)
		if p.Parsed != nil {
			for _, d := range p.Parsed.Decisions {
				if d.Action == models.ActionHold || d.Action == models.ActionWait {
					continue
				}
				s[pair{d.Symbol, d.Action}] = true
			}
		}
		sets[i] = s
	}

	var similarities []float64
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			similarities = append(similarities, jaccard(sets[i], sets[j]))
		}
	}
	if len(similarities) == 0 {
		return 1.0
	}
	total := 0.0
	for _, s := range similarities {
		total += s
	}
	return total / float64(len(similarities))
}

func jaccard[T comparable](a, b map[T]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func applyConsensus(participants []models.DebateParticipantResponse, votes []models.DebateVote, mode models.ConsensusMode) ([]models.TradingDecision, string) {
	switch mode {
	case models.ConsensusHighestConfidence:
		return consensusHighestConfidence(participants)
	case models.ConsensusWeightedAverage:
		return consensusWeightedAverage(participants)
	case models.ConsensusUnanimous:
		return consensusUnanimous(participants, votes)
	default:
		return consensusMajorityVote(participants, votes)
	}
}

func consensusMajorityVote(participants []models.DebateParticipantResponse, votes []models.DebateVote) ([]models.TradingDecision, string) {
	bySymbol := make(map[string][]models.DebateVote)
	for _, v := range votes {
		bySymbol[v.Symbol] = append(bySymbol[v.Symbol], v)
	}

	var decisions []models.TradingDecision
	reasoning := "consensus by majority vote:"

	symbols := sortedKeys(bySymbol)
	for _, symbol := range symbols {
		symbolVotes := bySymbol[symbol]
		winner := symbolVotes[0]
		for _, v := range symbolVotes[1:] {
			if v.Count > winner.Count || (v.Count == winner.Count && v.AvgConfidence > winner.AvgConfidence) {
				winner = v
			}
		}

		total := 0
		for _, v := range symbolVotes {
			total += v.Count
		}
		if float64(winner.Count) <= float64(total)/2 {
			continue
		}

		if d, ok := findDecision(participants, symbol, winner.Action); ok {
			d.Confidence = int(winner.AvgConfidence)
			decisions = append(decisions, d)
			reasoning += fmt.Sprintf("\n- %s %s: %d/%d votes (avg confidence %.0f%%)", symbol, winner.Action, winner.Count, total, winner.AvgConfidence)
		}
	}
	return decisions, reasoning
}

func consensusHighestConfidence(participants []models.DebateParticipantResponse) ([]models.TradingDecision, string) {
	if len(participants) == 0 {
		return nil, "no participants"
	}
	winner := participants[0]
	for _, p := range participants[1:] {
		if p.Parsed != nil && (winner.Parsed == nil || p.Parsed.OverallConfidence > winner.Parsed.OverallConfidence) {
			winner = p
		}
	}
	if winner.Parsed == nil {
		return nil, "no participants"
	}
	reasoning := fmt.Sprintf("consensus by highest confidence: %s with %d%% confidence", winner.Model, winner.Parsed.OverallConfidence)
	return append([]models.TradingDecision(nil), winner.Parsed.Decisions...), reasoning
}

func consensusWeightedAverage(participants []models.DebateParticipantResponse) ([]models.TradingDecision, string) {
	type weighted struct {
		weight   float64
		decision models.TradingDecision
	}
	bySymbolAction := make(map[string]map[models.ActionType]*weighted)

	for _, p := range participants {
		if p.Parsed == nil {
			continue
		}
		weight := float64(p.Parsed.OverallConfidence)
		for _, d := range p.Parsed.Decisions {
			if bySymbolAction[d.Symbol] == nil {
				bySymbolAction[d.Symbol] = make(map[models.ActionType]*weighted)
			}
			entry, ok := bySymbolAction[d.Symbol][d.Action]
			if !ok {
				entry = &weighted{decision: d}
				bySymbolAction[d.Symbol][d.Action] = entry
			}
			entry.weight += weight * float64(d.Confidence) / 100
		}
	}

	var decisions []models.TradingDecision
	reasoning := "consensus by weighted confidence:"
	for _, symbol := range sortedKeys(bySymbolAction) {
		actionWeights := bySymbolAction[symbol]
		var bestAction models.ActionType
		var best *weighted
		for action, w := range actionWeights {
			if best == nil || w.weight > best.weight {
				best = w
				bestAction = action
			}
		}
		if best == nil || bestAction == models.ActionHold || bestAction == models.ActionWait {
			continue
		}
		decisions = append(decisions, best.decision)
		reasoning += fmt.Sprintf("\n- %s %s: weighted score %.1f", symbol, bestAction, best.weight)
	}
	return decisions, reasoning
}

func consensusUnanimous(participants []models.DebateParticipantResponse, votes []models.DebateVote) ([]models.TradingDecision, string) {
	var decisions []models.TradingDecision
	reasoning := "consensus by unanimous agreement:"

	n := len(participants)
	for _, v := range votes {
		if v.Count != n {
			continue
		}
		if d, ok := findDecision(participants, v.Symbol, v.Action); ok {
			d.Confidence = int(v.AvgConfidence)
			decisions = append(decisions, d)
			reasoning += fmt.Sprintf("\n- %s %s: unanimous (%d/%d)", v.Symbol, v.Action, n, n)
		}
	}
	if len(decisions) == 0 {
		reasoning += "\n- no unanimous agreement reached, defaulting to hold"
	}
	return decisions, reasoning
}

func findDecision(participants []models.DebateParticipantResponse, symbol string, action models.ActionType) (models.TradingDecision, bool) {
	for _, p := range participants {
		if p.Parsed == nil {
			continue
		}
		for _, d := range p.Parsed.Decisions {
			if d.Symbol == symbol && d.Action == action {
				return d, true
			}
		}
	}
	return models.TradingDecision{}, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
