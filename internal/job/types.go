package job

import (
	"math/big"
	"time"
)

// BlockTemplate mirrors the BIP22/23 getblocktemplate fields the pool
// actually consumes, whether sourced from a local node's RPC or (in proxy
// mode) synthesized from an upstream pool's mining.notify.
type BlockTemplate struct {
	Bits                     string
	CurTime                  int64
	Height                   int64
	MinTime                  int64
	Target                   string
	Version                  int32
	PreviousBlockHash        string
	CoinbaseValue            int64
	DefaultWitnessCommitment string
	LongPollID               string
	Transactions             []Transaction
	VBAvailable              map[string]int
	VBRequired               int
	Mutable                  []string
	Rules                    []string
	CoinbaseAuxFlags         string
}

// Transaction is one non-coinbase transaction from a block template.
type Transaction struct {
	Data string
	Txid string
	Hash string
}

// Job is the immutable, shared work unit handed to every connected
// session: one Job per template refresh, published read-only and never
// mutated after construction.
type Job struct {
	ID              string
	Template        BlockTemplate
	Target          *big.Int
	CreatedAt       time.Time
	Clean           bool
	Extranonce2Size int

	CoinbaseValue     int64
	WitnessCommitment string
	CoinbaseMessage   string

	MerkleBranches [][]byte
	TxHashes       [][]byte

	// Coinb1/Coinb2 are the hex halves of the coinbase transaction the
	// codec sends in mining.notify, split around the extranonce gap.
	Coinb1 string
	Coinb2 string

	PayoutScript   []byte
	DonationScript []byte
	DonationFrac   float64

	VersionMask uint32
	PrevHash    [32]byte
	Bits        [4]byte
	ScriptTime  int64

	// Notify is the mining.notify payload derived once per Job by
	// BuildNotifyParams and reused for every subscriber.
	Notify NotifyParams
}

// NotifyParams is the ordered payload of a mining.notify wire message,
// derived once per Job and reused for every subscriber.
type NotifyParams struct {
	JobID          string
	PrevHashSwap   string
	Coinb1         string
	Coinb2         string
	MerkleBranches []string
	Version        string
	Bits           string
	Time           string
	CleanJobs      bool
}
