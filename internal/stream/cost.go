package stream

// Per-token pricing in USD per million tokens. The provider bills input and
// output linearly; cache reads are already folded into input_tokens by the
// subprocess.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

// Cost computes the USD cost of a result event's token usage.
func Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*inputCostPerMTok +
		float64(outputTokens)/1e6*outputCostPerMTok
}
