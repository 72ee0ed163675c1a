package logs

// Markers are the substrings used to recognise events in the node's log.
// They are part of the contract with the node's log format: if the node
// changes its wording, update the markers rather than the parser.
type Markers struct {
	// Block identifies a block-mined message.
	Block string `yaml:"block"`

	// Idle identifies the block message the node emits once it has no more
	// pending work. The idle wait returns when the latest block carries it.
	Idle string `yaml:"idle"`

	// TxCount follows the transaction count inside a block message.
	TxCount string `yaml:"tx_count"`

	// Steps precedes the execution step count of a transaction.
	Steps string `yaml:"steps"`

	// StepsDelimiter terminates the step count.
	StepsDelimiter string `yaml:"steps_delimiter"`

	// Ready is written once by the node when its RPC server accepts requests.
	Ready string `yaml:"ready"`
}

// Default katana markers.
const (
	DefaultBlockMarker        = "⛏️ Block"
	DefaultIdleMarker         = "mined with 0 transactions"
	DefaultTxCountMarker      = " transactions"
	DefaultStepsMarker        = "Transaction resource usage: Steps: "
	DefaultStepsDelimiter     = " | "
	DefaultReadyMarker        = "RPC server started"
	blockTimeQuotedTokenIndex = 3 // 4th double-quote delimited token of a block message
)

// DefaultMarkers returns the markers emitted by katana.
func DefaultMarkers() Markers {
	return Markers{
		Block:          DefaultBlockMarker,
		Idle:           DefaultIdleMarker,
		TxCount:        DefaultTxCountMarker,
		Steps:          DefaultStepsMarker,
		StepsDelimiter: DefaultStepsDelimiter,
		Ready:          DefaultReadyMarker,
	}
}

// Merge returns m with every empty field filled from defaults.
func (m Markers) Merge(defaults Markers) Markers {
	if m.Block == "" {
		m.Block = defaults.Block
	}
	if m.Idle == "" {
		m.Idle = defaults.Idle
	}
	if m.TxCount == "" {
		m.TxCount = defaults.TxCount
	}
	if m.Steps == "" {
		m.Steps = defaults.Steps
	}
	if m.StepsDelimiter == "" {
		m.StepsDelimiter = defaults.StepsDelimiter
	}
	if m.Ready == "" {
		m.Ready = defaults.Ready
	}
	return m
}
